package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// TextSanitizer は上流から受け取ったプロファイル名やガイド名からマークアップを取り除き、
// プレーンテキストに正規化する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer は新しいTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去し、HTMLエンティティを戻し、空白を1つにまとめる。
// bluemondayはエスケープ済みの文字列を返すため、最後にアンエスケープする。
// PostgreSQLのtext型が受け付けないNULと不正なUTF-8も取り除く。
func (s *TextSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	raw = strings.ReplaceAll(strings.ToValidUTF8(raw, ""), "\x00", "")
	stripped := s.policy.Sanitize(raw)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}
