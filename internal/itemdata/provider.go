// Package itemdata はマスタアイテムカタログを参照データファイルから読み込んで提供する。
// 読み込み後は読み取り専用で、複数のgoroutineから参照できる。
package itemdata

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hitoshi/d3keep/internal/model"
)

// Provider はアイテムIDからメタデータを引くインターフェース。
type Provider interface {
	GetItem(id string) (model.ItemMeta, bool)
}

// Catalog はメモリ上のアイテムカタログ。
type Catalog struct {
	items map[string]model.ItemMeta
}

// NewStatic は与えられたマップからCatalogを生成する。
func NewStatic(items map[string]model.ItemMeta) *Catalog {
	c := &Catalog{items: make(map[string]model.ItemMeta, len(items))}
	for id, meta := range items {
		if meta.ID == "" {
			meta.ID = id
		}
		c.items[id] = meta
	}
	return c
}

// Load はファイルからCatalogを読み込む。
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("アイテムデータの読み込みに失敗: %w", err)
	}
	return Parse(data)
}

// Parse はアイテムデータを解析する。
// idを持つオブジェクトの配列と、idをキーとするオブジェクトの両方を受け付ける。
func Parse(data []byte) (*Catalog, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("アイテムデータが空です")
	}

	c := &Catalog{items: make(map[string]model.ItemMeta)}
	switch trimmed[0] {
	case '[':
		var list []rawItem
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("アイテムデータのデコードに失敗: %w", err)
		}
		for _, ri := range list {
			if meta := ri.toMeta(""); meta.ID != "" {
				c.items[meta.ID] = meta
			}
		}
	case '{':
		var keyed map[string]rawItem
		if err := json.Unmarshal(data, &keyed); err != nil {
			return nil, fmt.Errorf("アイテムデータのデコードに失敗: %w", err)
		}
		for id, ri := range keyed {
			meta := ri.toMeta(id)
			c.items[meta.ID] = meta
		}
	default:
		return nil, fmt.Errorf("アイテムデータは配列またはオブジェクトである必要があります")
	}
	return c, nil
}

// GetItem はアイテムIDに対応するメタデータを返す。
func (c *Catalog) GetItem(id string) (model.ItemMeta, bool) {
	meta, ok := c.items[id]
	return meta, ok
}

// Len はカタログの件数を返す。
func (c *Catalog) Len() int {
	return len(c.items)
}

type rawItem struct {
	ID       string  `json:"id"`
	Name     *string `json:"name"`
	Type     *string `json:"type"`
	ItemType *string `json:"itemType"`
	Quality  *string `json:"quality"`
	Rarity   *string `json:"rarity"`
}

func (ri rawItem) toMeta(key string) model.ItemMeta {
	id := ri.ID
	if key != "" {
		id = key
	}
	return model.ItemMeta{
		ID:      id,
		Name:    ri.Name,
		Type:    firstSet(ri.Type, ri.ItemType),
		Quality: firstSet(ri.Quality, ri.Rarity),
	}
}

func firstSet(values ...*string) *string {
	for _, v := range values {
		if v != nil && *v != "" {
			return v
		}
	}
	return nil
}
