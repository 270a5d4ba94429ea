package model

import "time"

// ItemMeta はマスタアイテムカタログの1件を表す。
// 参照データファイルから一度だけ読み込まれる。
type ItemMeta struct {
	ID      string  `json:"id"`
	Name    *string `json:"name,omitempty"`
	Type    *string `json:"type,omitempty"`
	Quality *string `json:"quality,omitempty"`
}

// Complete はname、type、qualityが全て揃っているかを返す。
// 揃っていないアイテムは永続化しない。
func (m ItemMeta) Complete() bool {
	return nonEmpty(m.Name) && nonEmpty(m.Type) && nonEmpty(m.Quality)
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

// Item は永続化済みのアイテム参照データ。作成後は更新しない。
type Item struct {
	ID        string
	Name      string
	Type      string
	Quality   string
	CreatedAt time.Time
}

// ItemUsage はプロファイルとアイテムの使用関係を表す。
type ItemUsage struct {
	ID           string
	ProfileID    string
	ItemID       string
	Slot         ItemSlot
	UsageContext UsageContext
	CreatedAt    time.Time
}

// UsageKey はItemUsageの一意性判定に使うキー。
type UsageKey struct {
	ProfileID    string
	ItemID       string
	Slot         ItemSlot
	UsageContext UsageContext
}

// Key はItemUsageの一意性キーを返す。
func (u *ItemUsage) Key() UsageKey {
	return UsageKey{
		ProfileID:    u.ProfileID,
		ItemID:       u.ItemID,
		Slot:         u.Slot,
		UsageContext: u.UsageContext,
	}
}
