// Package model はドメインモデルを定義する。
package model

// GuideInfo は検索インデックスから発見したビルドガイド1件を表す。
type GuideInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// GuideBundle はガイド（またはプランナー単位のサブガイド）1件分の解析結果。
// 永続化ステージへ渡される単位。
type GuideBundle struct {
	Name     string
	URL      string
	Profiles []BuildProfileData
	Usages   []BuildProfileItems
}
