// Package vocab holds the reference vocabulary given to the character supplement prompts.
package vocab

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

//go:embed vocab.json
var raw []byte

// Set is a group of reference terms per body/costume aspect.
type Set struct {
	Face        []string `json:"face,omitempty"`
	Hair        []string `json:"hair,omitempty"`
	Eyes        []string `json:"eyes,omitempty"`
	Build       []string `json:"build,omitempty"`
	Costume     []string `json:"costume,omitempty"`
	Temperament []string `json:"temperament,omitempty"`
}

type table struct {
	Common  Set            `json:"common"`
	Eras    map[string]Set `json:"eras"`
	Beauty  map[string]Set `json:"beauty"`
	Genders map[string]Set `json:"genders"`
}

var load = sync.OnceValues(func() (table, error) {
	var t table
	if err := json.Unmarshal(raw, &t); err != nil {
		return table{}, fmt.Errorf("parse vocab: %w", err)
	}
	return t, nil
})

var aliases = map[string]string{
	"古代": "ancient", "古风": "ancient", "historical": "ancient",
	"民国": "republic",
	"现代": "modern", "contemporary": "modern", "都市": "modern",
	"未来": "future", "科幻": "future", "sci-fi": "future",
	"男": "male", "男性": "male", "m": "male",
	"女": "female", "女性": "female", "f": "female",
	"普通": "standard", "normal": "standard",
	"高": "high", "美": "high",
	"绝美": "stunning", "max": "stunning",
}

func key(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if k, ok := aliases[s]; ok {
		return k
	}
	return s
}

// Lookup merges the common terms with the era, beauty level and gender specific ones, in that
// order and without duplicates. Unknown keys contribute nothing.
func Lookup(era, beauty, gender string) (Set, error) {
	t, err := load()
	if err != nil {
		return Set{}, err
	}
	out := t.Common
	for _, s := range []Set{t.Eras[key(era)], t.Beauty[key(beauty)], t.Genders[key(gender)]} {
		out = merge(out, s)
	}
	return out, nil
}

func merge(a, b Set) Set {
	return Set{
		Face:        union(a.Face, b.Face),
		Hair:        union(a.Hair, b.Hair),
		Eyes:        union(a.Eyes, b.Eyes),
		Build:       union(a.Build, b.Build),
		Costume:     union(a.Costume, b.Costume),
		Temperament: union(a.Temperament, b.Temperament),
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Prompt renders the set as a prompt section.
func (s Set) Prompt() string {
	var sb strings.Builder
	write := func(name string, terms []string) {
		if len(terms) == 0 {
			return
		}
		fmt.Fprintf(&sb, "- %s: %s\n", name, strings.Join(terms, "、"))
	}
	write("face", s.Face)
	write("hair", s.Hair)
	write("eyes", s.Eyes)
	write("build", s.Build)
	write("costume", s.Costume)
	write("temperament", s.Temperament)
	return sb.String()
}
