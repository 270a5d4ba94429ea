package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は運用APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラ（定期同期・キャッシュ更新・クリーンアップ）を起動することを示す。
	CommandWorker Command = "worker"
	// CommandSync はビルド同期を1回だけ実行することを示す。
	CommandSync Command = "sync"
	// CommandRefreshCache はキャッシュ更新を1回だけ実行することを示す。
	CommandRefreshCache Command = "refresh-cache"
	// CommandCleanup は期限切れキャッシュファイルの削除を1回だけ実行することを示す。
	CommandCleanup Command = "cleanup"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "sync":
		return CommandSync
	case "refresh-cache":
		return CommandRefreshCache
	case "cleanup":
		return CommandCleanup
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// hasFlag はサブコマンド以降の引数に指定フラグが含まれるかを返す。
func hasFlag(args []string, flag string) bool {
	if len(args) < 2 {
		return false
	}
	for _, a := range args[1:] {
		if a == flag {
			return true
		}
	}
	return false
}
