package planner

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	plannerIDAttr   = "data-d3planner-id"
	plannerTypeAttr = "data-d3planner-type"
)

// plannerURLPattern はページ内URLに埋め込まれたプランナーIDにマッチする。
var plannerURLPattern = regexp.MustCompile(`(?:d3planner|profiles/d3)/(\d+)`)

// PlannerIDFromURL はプランナーページまたはプランナーAPIのURLからIDを取り出す。
func PlannerIDFromURL(rawURL string) (string, bool) {
	m := plannerURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractPlannerIDs はガイドページのHTMLからプランナーIDを出現順に抽出する。
// excludedTypesに含まれる種別（altar等）の要素は除外し、そのIDはURL走査でも返さない。
// Variantsセクションが1件以上のIDを含む場合はその結果のみを返す。
func ExtractPlannerIDs(html []byte, excludedTypes []string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("HTMLの解析に失敗: %w", err)
	}

	ex := newExtractor(doc, excludedTypes)

	if section := variantsSection(doc); section != nil {
		if ids := ex.collect(section); len(ids) > 0 {
			return ids, nil
		}
	}
	return ex.collect(doc.Selection), nil
}

type extractor struct {
	excludedTypes map[string]bool
	excludedIDs   map[string]bool
}

func newExtractor(doc *goquery.Document, excludedTypes []string) *extractor {
	ex := &extractor{
		excludedTypes: make(map[string]bool, len(excludedTypes)),
		excludedIDs:   make(map[string]bool),
	}
	for _, t := range excludedTypes {
		ex.excludedTypes[strings.ToLower(strings.TrimSpace(t))] = true
	}
	doc.Find("[" + plannerIDAttr + "]").Each(func(_ int, s *goquery.Selection) {
		if ex.isExcluded(s) {
			if id := strings.TrimSpace(s.AttrOr(plannerIDAttr, "")); id != "" {
				ex.excludedIDs[id] = true
			}
		}
	})
	return ex
}

func (ex *extractor) isExcluded(s *goquery.Selection) bool {
	t, ok := s.Attr(plannerTypeAttr)
	if !ok {
		return false
	}
	return ex.excludedTypes[strings.ToLower(strings.TrimSpace(t))]
}

// collect は選択範囲からIDを集める。属性で見つからなければURL文字列を走査する。
func (ex *extractor) collect(sel *goquery.Selection) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || ex.excludedIDs[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	sel.Each(func(_ int, root *goquery.Selection) {
		root.Filter("[" + plannerIDAttr + "]").Each(func(_ int, s *goquery.Selection) {
			if !ex.isExcluded(s) {
				add(s.AttrOr(plannerIDAttr, ""))
			}
		})
		root.Find("[" + plannerIDAttr + "]").Each(func(_ int, s *goquery.Selection) {
			if !ex.isExcluded(s) {
				add(s.AttrOr(plannerIDAttr, ""))
			}
		})
	})
	if len(ids) > 0 {
		return ids
	}

	sel.Each(func(_ int, root *goquery.Selection) {
		html, err := goquery.OuterHtml(root)
		if err != nil {
			return
		}
		for _, m := range plannerURLPattern.FindAllStringSubmatch(html, -1) {
			add(m[1])
		}
	})
	return ids
}

// variantsSection は"Variants"見出しから同じかより上位の次の見出しまでの範囲を返す。
// 見出しがない場合はidに"variants"を含む要素を返す。見つからなければnil。
func variantsSection(doc *goquery.Document) *goquery.Selection {
	var section *goquery.Selection
	doc.Find("h1, h2, h3, h4, h5, h6").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(h.Text()), "variants") {
			return true
		}
		stop := headingsUpTo(headingLevel(h))
		anchor := h
		content := siblingsUntilHeading(anchor, stop)
		// 見出しがラッパー要素内にある場合は親をたどる
		for content == nil {
			parent := anchor.Parent()
			if parent.Length() == 0 || parent.Is("body, html") {
				break
			}
			anchor = parent
			content = siblingsUntilHeading(anchor, stop)
		}
		if content != nil {
			section = content
			return false
		}
		return true
	})
	if section != nil {
		return section
	}

	doc.Find("[id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(s.AttrOr("id", "")), "variants") && !isHeading(s) {
			section = s
			return false
		}
		return true
	})
	return section
}

// siblingsUntilHeading はanchorに続く兄弟要素を、stopの見出しそのものか
// それを内包する要素の手前まで集める。1件もなければnil。
func siblingsUntilHeading(anchor *goquery.Selection, stop string) *goquery.Selection {
	var content *goquery.Selection
	for s := anchor.Next(); s.Length() > 0; s = s.Next() {
		if s.Is(stop) || s.Find(stop).Length() > 0 {
			break
		}
		if content == nil {
			content = s
		} else {
			content = content.AddSelection(s)
		}
	}
	return content
}

func headingLevel(s *goquery.Selection) int {
	name := goquery.NodeName(s)
	if len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6' {
		return int(name[1] - '0')
	}
	return 6
}

func isHeading(s *goquery.Selection) bool {
	return s.Is("h1, h2, h3, h4, h5, h6")
}

// headingsUpTo はレベルlevel以上（数値が小さい）の見出しセレクタを返す。
func headingsUpTo(level int) string {
	parts := make([]string, 0, level)
	for i := 1; i <= level; i++ {
		parts = append(parts, fmt.Sprintf("h%d", i))
	}
	return strings.Join(parts, ", ")
}
