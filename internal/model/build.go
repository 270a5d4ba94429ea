package model

import "time"

// Build はガイド1件（またはプランナー単位のサブガイド）に対応する永続化エンティティ。
// URLで一意に識別される。
type Build struct {
	ID        string
	Title     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile はビルド内のプロファイル。ビルド内で名前（大文字小文字を区別しない）が一意。
type Profile struct {
	ID           string
	BuildID      string
	Name         string
	ClassName    string
	Seasonal     *bool
	Gender       *string
	ParagonLevel *int
	CreatedAt    time.Time
}

// BuildSyncSummary は同期処理1回分の集計結果。
type BuildSyncSummary struct {
	GuidesProcessed int `json:"guides_processed"`
	GuidesSkipped   int `json:"guides_skipped"`
	BuildsCreated   int `json:"builds_created"`
	BuildsUpdated   int `json:"builds_updated"`
	ProfilesCreated int `json:"profiles_created"`
	ItemsCreated    int `json:"items_created"`
	UsagesCreated   int `json:"usages_created"`
}

// Add は別の集計結果を加算する。
func (s *BuildSyncSummary) Add(other BuildSyncSummary) {
	s.GuidesProcessed += other.GuidesProcessed
	s.GuidesSkipped += other.GuidesSkipped
	s.BuildsCreated += other.BuildsCreated
	s.BuildsUpdated += other.BuildsUpdated
	s.ProfilesCreated += other.ProfilesCreated
	s.ItemsCreated += other.ItemsCreated
	s.UsagesCreated += other.UsagesCreated
}
