package model

import (
	"errors"
	"fmt"
)

// 定義済みエラーコード
const (
	// ErrCodeFetchFailed はHTTPページやJSONの取得失敗（リトライ上限到達を含む）。
	ErrCodeFetchFailed = "FETCH_FAILED"
	// ErrCodeBuildProfile はガイドページからプランナーを解決できなかったことを表す。
	ErrCodeBuildProfile = "BUILD_PROFILE_ERROR"
	// ErrCodeParse はプランナーペイロードの形式不正。
	ErrCodeParse = "PARSE_ERROR"
	// ErrCodeScraping はガイド一覧の取得失敗。同期全体を中断する。
	ErrCodeScraping = "SCRAPING_ERROR"
)

// PipelineError はガイド解決・同期パイプラインのエラーを表す。
// Codeで種別を判別し、Errに原因を保持する。
type PipelineError struct {
	Code    string
	Message string
	URL     string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewBuildProfileError はプランナー解決失敗エラーを生成する。
func NewBuildProfileError(url, message string, err error) *PipelineError {
	return &PipelineError{Code: ErrCodeBuildProfile, Message: message, URL: url, Err: err}
}

// NewParseError はペイロード解析失敗エラーを生成する。
func NewParseError(source, message string, err error) *PipelineError {
	return &PipelineError{Code: ErrCodeParse, Message: message, URL: source, Err: err}
}

// NewScrapingError はガイド一覧取得失敗エラーを生成する。
func NewScrapingError(err error) *PipelineError {
	return &PipelineError{Code: ErrCodeScraping, Message: "ガイド一覧の取得に失敗しました", Err: err}
}

// NewFetchFailedError はレスポンスの内容が期待と異なる取得失敗エラーを生成する。
func NewFetchFailedError(url, message string, err error) *PipelineError {
	return &PipelineError{Code: ErrCodeFetchFailed, Message: message, URL: url, Err: err}
}

// FetchError はHTTP取得の失敗を表す。
// StatusCodeが0の場合はネットワークレベルの失敗。
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Exhausted  bool
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	switch {
	case e.Exhausted:
		return fmt.Sprintf("[%s] %d回試行後もステータス %d が返されました (%s)", ErrCodeFetchFailed, e.Attempts, e.StatusCode, e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("[%s] ステータス %d が返されました (%s)", ErrCodeFetchFailed, e.StatusCode, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("[%s] リクエストに失敗しました (%s): %v", ErrCodeFetchFailed, e.URL, e.Err)
	default:
		return fmt.Sprintf("[%s] リクエストに失敗しました (%s)", ErrCodeFetchFailed, e.URL)
	}
}

// Unwrap は原因エラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NotFound はリソースが恒久的に存在しないステータスかを返す。
func (e *FetchError) NotFound() bool {
	return e.StatusCode == 404 || e.StatusCode == 410
}

// IsCode はエラーチェーン内に指定コードのエラーが含まれるかを返す。
// FetchErrorはErrCodeFetchFailedとして扱う。
func IsCode(err error, code string) bool {
	for err != nil {
		switch e := err.(type) {
		case *PipelineError:
			if e.Code == code {
				return true
			}
		case *FetchError:
			if code == ErrCodeFetchFailed {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// AsFetchError はエラーチェーンからFetchErrorを取り出す。
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
