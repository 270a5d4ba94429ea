package model

import "strings"

// BuildProfileData はプランナー内のプロファイル1件を正規化した値。
// 任意項目は未設定の場合nilとなる。
type BuildProfileData struct {
	Name            string
	ClassName       string
	Seasonal        *bool
	Gender          *string
	ParagonLevel    *int
	RawProfileIndex *int
}

// UsageContext はアイテムの装備先を表す。
type UsageContext string

const (
	// UsageContextMain はキャラクター本体の装備。
	UsageContextMain UsageContext = "main"
	// UsageContextKanai はカナイのキューブ。
	UsageContextKanai UsageContext = "kanai"
	// UsageContextFollower はフォロワーの装備。
	UsageContextFollower UsageContext = "follower"
)

// ItemSlot はアイテムの装備スロットを表す。
type ItemSlot string

const (
	SlotHead            ItemSlot = "head"
	SlotShoulders       ItemSlot = "shoulders"
	SlotNeck            ItemSlot = "neck"
	SlotTorso           ItemSlot = "torso"
	SlotWrists          ItemSlot = "wrists"
	SlotHands           ItemSlot = "hands"
	SlotWaist           ItemSlot = "waist"
	SlotLegs            ItemSlot = "legs"
	SlotFeet            ItemSlot = "feet"
	SlotLeftFinger      ItemSlot = "left_finger"
	SlotRightFinger     ItemSlot = "right_finger"
	SlotMainHand        ItemSlot = "main_hand"
	SlotOffHand         ItemSlot = "off_hand"
	SlotKanaiWeapon     ItemSlot = "kanai_weapon"
	SlotKanaiArmor      ItemSlot = "kanai_armor"
	SlotKanaiJewelry    ItemSlot = "kanai_jewelry"
	SlotFollowerSpecial ItemSlot = "follower_special"
	// SlotOther は認識できないスロット文字列のフォールバック。
	SlotOther ItemSlot = "other"
)

// slotOrder はスロットの表示順。解析結果の並びを決定的にするために使う。
var slotOrder = []ItemSlot{
	SlotHead, SlotShoulders, SlotNeck, SlotTorso, SlotWrists, SlotHands,
	SlotWaist, SlotLegs, SlotFeet, SlotLeftFinger, SlotRightFinger,
	SlotMainHand, SlotOffHand,
	SlotKanaiWeapon, SlotKanaiArmor, SlotKanaiJewelry,
	SlotFollowerSpecial, SlotOther,
}

// slotAliases は上流のスロットキー（小文字・記号除去後）から列挙値への対応表。
var slotAliases = map[string]ItemSlot{
	"head":            SlotHead,
	"helm":            SlotHead,
	"shoulders":       SlotShoulders,
	"shoulder":        SlotShoulders,
	"neck":            SlotNeck,
	"amulet":          SlotNeck,
	"torso":           SlotTorso,
	"chest":           SlotTorso,
	"wrists":          SlotWrists,
	"bracers":         SlotWrists,
	"hands":           SlotHands,
	"gloves":          SlotHands,
	"waist":           SlotWaist,
	"belt":            SlotWaist,
	"legs":            SlotLegs,
	"pants":           SlotLegs,
	"feet":            SlotFeet,
	"boots":           SlotFeet,
	"leftfinger":      SlotLeftFinger,
	"ringleft":        SlotLeftFinger,
	"ring1":           SlotLeftFinger,
	"rightfinger":     SlotRightFinger,
	"ringright":       SlotRightFinger,
	"ring2":           SlotRightFinger,
	"mainhand":        SlotMainHand,
	"weapon":          SlotMainHand,
	"offhand":         SlotOffHand,
	"kanaiweapon":     SlotKanaiWeapon,
	"kanaiarmor":      SlotKanaiArmor,
	"kanaijewelry":    SlotKanaiJewelry,
	"special":         SlotFollowerSpecial,
	"followerspecial": SlotFollowerSpecial,
}

// ParseItemSlot は上流のスロット文字列を列挙値に変換する。
// 認識できない文字列はSlotOtherを返し、エラーにはしない。
func ParseItemSlot(raw string) ItemSlot {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if slot, ok := slotAliases[b.String()]; ok {
		return slot
	}
	return SlotOther
}

// SlotRank はスロットの並び順を返す。未知の値は末尾扱い。
func SlotRank(slot ItemSlot) int {
	for i, s := range slotOrder {
		if s == slot {
			return i
		}
	}
	return len(slotOrder)
}

// BuildProfileItems はアイテム使用の事実1件を表す。
type BuildProfileItems struct {
	ProfileName  string
	ItemID       string
	Slot         ItemSlot
	UsageContext UsageContext
}
