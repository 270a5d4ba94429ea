// Package profile はプランナーのペイロードからプロファイルとアイテム使用を抽出する。
//
// 上流のJSONは形が一定しないため、型付きの値への変換はこのパッケージの境界で1回だけ行う。
// 想定外の形の値は既定値に倒すか読み飛ばし、後段には型付きの値のみを渡す。
package profile

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/hitoshi/d3keep/internal/model"
)

// Cleaner は上流の文字列を正規化するインターフェース。
type Cleaner interface {
	Clean(raw string) string
}

type identityCleaner struct{}

func (identityCleaner) Clean(raw string) string { return raw }

// Parser はペイロード1件分のプロファイル一覧を保持する。
type Parser struct {
	source   string
	cleaner  Cleaner
	profiles []rawProfile
}

type rawProfile struct {
	index  int
	name   string
	fields map[string]json.RawMessage
}

// FromPayload はペイロードからParserを生成する。
// dataがオブジェクトでない、またはprofilesが配列でない場合はPARSE_ERRORを返す。
func FromPayload(source string, payload model.PlannerPayload, cleaner Cleaner) (*Parser, error) {
	if cleaner == nil {
		cleaner = identityCleaner{}
	}
	entries, err := payload.Profiles()
	if err != nil {
		return nil, model.NewParseError(source, "ビルドデータの形式が不正です", err)
	}

	p := &Parser{source: source, cleaner: cleaner}
	for i, raw := range entries {
		var fields map[string]json.RawMessage
		if firstNonSpace(raw) != '{' || json.Unmarshal(raw, &fields) != nil {
			continue
		}
		name, _ := stringField(fields, "name", "title")
		name = cleaner.Clean(name)
		if name == "" {
			name = fmt.Sprintf("Profile %d", i+1)
		}
		p.profiles = append(p.profiles, rawProfile{index: i, name: name, fields: fields})
	}
	return p, nil
}

// LoadFile はローカルのJSONファイルからParserを生成する。
func LoadFile(path string, cleaner Cleaner) (*Parser, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ビルドファイルの読み込みに失敗: %w", err)
	}
	payload, err := model.DecodePlannerPayload(body)
	if err != nil {
		return nil, model.NewParseError(path, "ビルドファイルの解析に失敗しました", err)
	}
	return FromPayload(path, payload, cleaner)
}

// Source は解析元（URLまたはファイルパス）を返す。
func (p *Parser) Source() string {
	return p.source
}

// Profiles はプロファイルを出現順に返す。任意項目が欠けていてもエラーにしない。
func (p *Parser) Profiles() []model.BuildProfileData {
	out := make([]model.BuildProfileData, 0, len(p.profiles))
	for _, rp := range p.profiles {
		index := rp.index
		data := model.BuildProfileData{
			Name:            rp.name,
			RawProfileIndex: &index,
		}
		className, _ := stringField(rp.fields, "class", "className", "heroClass", "class_name")
		data.ClassName = p.cleaner.Clean(className)
		if v, ok := boolField(rp.fields, "seasonal"); ok {
			data.Seasonal = &v
		}
		if v, ok := stringField(rp.fields, "gender"); ok {
			if v = p.cleaner.Clean(v); v != "" {
				data.Gender = &v
			}
		}
		if v, ok := intField(rp.fields, "paragonLevel", "paragon", "paragon_level"); ok {
			data.ParagonLevel = &v
		}
		out = append(out, data)
	}
	return out
}

// kanaiSlots はカナイのキューブのキーと列挙値。この順で展開する。
var kanaiSlots = []struct {
	key  string
	slot model.ItemSlot
}{
	{"weapon", model.SlotKanaiWeapon},
	{"armor", model.SlotKanaiArmor},
	{"jewelry", model.SlotKanaiJewelry},
}

// Usages はプロファイルごとに本体装備、カナイのキューブ、フォロワーの順でアイテム使用を展開する。
// マップのキーはスロット順、次にキー名の順で走査し、JSONのキー順には依存しない。
func (p *Parser) Usages() []model.BuildProfileItems {
	var out []model.BuildProfileItems
	for _, rp := range p.profiles {
		add := func(itemID string, slot model.ItemSlot, usage model.UsageContext) {
			out = append(out, model.BuildProfileItems{
				ProfileName:  rp.name,
				ItemID:       itemID,
				Slot:         slot,
				UsageContext: usage,
			})
		}

		for _, e := range slotEntries(objectField(rp.fields, "items")) {
			add(e.itemID, e.slot, model.UsageContextMain)
		}

		kanai := objectField(rp.fields, "kanai", "cube")
		for _, ks := range kanaiSlots {
			if id, ok := itemRef(kanai[ks.key]); ok {
				add(id, ks.slot, model.UsageContextKanai)
			}
		}

		for _, e := range slotEntries(followerItems(rp.fields)) {
			add(e.itemID, e.slot, model.UsageContextFollower)
		}
	}
	return out
}

func followerItems(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if follower := objectField(fields, "follower"); follower != nil {
		if items := objectField(follower, "items"); items != nil {
			return items
		}
	}
	return objectField(fields, "followerItems", "follower_items")
}

type slotEntry struct {
	key    string
	slot   model.ItemSlot
	itemID string
}

// slotEntries はスロットマップを決定的な順序のエントリ列に変換する。
// IDを解決できない値は読み飛ばす。
func slotEntries(items map[string]json.RawMessage) []slotEntry {
	entries := make([]slotEntry, 0, len(items))
	for key, raw := range items {
		id, ok := itemRef(raw)
		if !ok {
			continue
		}
		entries = append(entries, slotEntry{key: key, slot: model.ParseItemSlot(key), itemID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		ri, rj := model.SlotRank(entries[i].slot), model.SlotRank(entries[j].slot)
		if ri != rj {
			return ri < rj
		}
		return entries[i].key < entries[j].key
	})
	return entries
}

// itemRef はIDの文字列、またはidフィールドを持つオブジェクトからアイテムIDを取り出す。
func itemRef(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if id, ok := scalarString(raw); ok {
		return id, id != ""
	}
	var obj map[string]json.RawMessage
	if firstNonSpace(raw) != '{' || json.Unmarshal(raw, &obj) != nil {
		return "", false
	}
	id, ok := scalarString(obj["id"])
	return id, ok && id != ""
}

func objectField(fields map[string]json.RawMessage, keys ...string) map[string]json.RawMessage {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok || firstNonSpace(raw) != '{' {
			continue
		}
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) == nil {
			return obj
		}
	}
	return nil
}

func stringField(fields map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := scalarString(fields[k]); ok {
			return v, true
		}
	}
	return "", false
}

// scalarString は文字列または数値を文字列として返す。
func scalarString(raw json.RawMessage) (string, bool) {
	switch firstNonSpace(raw) {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if json.Unmarshal(raw, &n) != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}

func boolField(fields map[string]json.RawMessage, keys ...string) (bool, bool) {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			return b, true
		}
		if s, ok := scalarString(raw); ok {
			if v, err := strconv.ParseBool(s); err == nil {
				return v, true
			}
		}
	}
	return false, false
}

func intField(fields map[string]json.RawMessage, keys ...string) (int, bool) {
	for _, k := range keys {
		s, ok := scalarString(fields[k])
		if !ok {
			continue
		}
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}
