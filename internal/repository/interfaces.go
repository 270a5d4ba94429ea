// Package repository はビルドガイド同期の永続化インターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/d3keep/internal/model"
)

// SyncTx はバンドル1件分の同期処理で使うトランザクション内の操作。
// 全ての書き込みはWithinTxのコールバック内でのみ有効。
type SyncTx interface {
	// FindBuildByURL はURLでビルドを検索する。見つからない場合はnilを返す。
	FindBuildByURL(ctx context.Context, url string) (*model.Build, error)
	CreateBuild(ctx context.Context, build *model.Build) error
	UpdateBuildTitle(ctx context.Context, buildID, title string) error

	// ListProfilesByBuild はビルドに属するプロファイルを作成順に返す。
	ListProfilesByBuild(ctx context.Context, buildID string) ([]*model.Profile, error)
	CreateProfiles(ctx context.Context, profiles []*model.Profile) error

	// ExistingItemIDs は指定IDのうち既に登録済みのアイテムIDを返す。
	ExistingItemIDs(ctx context.Context, ids []string) (map[string]bool, error)
	CreateItems(ctx context.Context, items []*model.Item) error

	// ExistingUsageKeys は指定プロファイルに紐づく使用関係のキーを返す。
	ExistingUsageKeys(ctx context.Context, profileIDs []string) (map[model.UsageKey]bool, error)
	CreateItemUsages(ctx context.Context, usages []*model.ItemUsage) error
}

// Store はトランザクション境界を提供する。
// fnがエラーを返した場合はロールバックし、そのエラーをそのまま返す。
type Store interface {
	WithinTx(ctx context.Context, fn func(tx SyncTx) error) error
}

// BuildReader は読み取り側のビルド一覧取得インターフェース。
type BuildReader interface {
	// ListBuilds は全ビルドを作成日時の昇順で返す。
	ListBuilds(ctx context.Context) ([]*model.Build, error)
}
