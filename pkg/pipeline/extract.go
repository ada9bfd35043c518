package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/segmentio/ksuid"

	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

const (
	StageCharacters = "characters"
	StageScenes     = "scenes"

	// extractChunkRunes keeps each extraction call well inside the context window.
	extractChunkRunes = 8192 * 2

	sceneMergeThreshold = 0.85
)

// ExtractCharacters runs character extraction over the script in chunks and merges the findings
// into roster. The roster itself is not modified.
func (p *Pipeline) ExtractCharacters(ctx context.Context, script string, roster []schema.Character, progress Progress) ([]schema.Character, error) {
	chunks := utils.ChunkText(script, extractChunkRunes)
	out := cloneCharacters(roster)
	for i, chunk := range chunks {
		user := chunk
		if names := characterNames(out); names != "" {
			user = "Known characters: " + names + "\n\n" + chunk
		}
		res, err := run[schema.CharacterExtraction](ctx, p, call{
			stage:   StageCharacters,
			system:  characterExtractPrompt,
			user:    user,
			format:  schema.ResponseFormat("character_extraction", "Characters appearing in the script", schema.CharacterExtractionSchema),
			batch:   i + 1,
			batches: len(chunks),
		}, progress)
		if err != nil {
			return out, fmt.Errorf("extract characters (chunk %d/%d): %w", i+1, len(chunks), err)
		}
		out = MergeCharacters(out, res.Characters)
	}
	log.Info("extracted characters", "chunks", len(chunks), "characters", len(out))
	return out, nil
}

// ExtractScenes runs scene extraction over the script in chunks and merges the findings into
// scenes by name similarity.
func (p *Pipeline) ExtractScenes(ctx context.Context, script string, scenes []schema.Scene, progress Progress) ([]schema.Scene, error) {
	chunks := utils.ChunkText(script, extractChunkRunes)
	out := append([]schema.Scene(nil), scenes...)
	for i, chunk := range chunks {
		res, err := run[schema.SceneExtraction](ctx, p, call{
			stage:   StageScenes,
			system:  sceneExtractPrompt,
			user:    chunk,
			format:  schema.ResponseFormat("scene_extraction", "Locations used in the script", schema.SceneExtractionSchema),
			batch:   i + 1,
			batches: len(chunks),
		}, progress)
		if err != nil {
			return out, fmt.Errorf("extract scenes (chunk %d/%d): %w", i+1, len(chunks), err)
		}
		out = MergeScenes(out, res.Scenes)
	}
	log.Info("extracted scenes", "chunks", len(chunks), "scenes", len(out))
	return out, nil
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// MergeCharacters merges extracted characters into base case-insensitively by name or alias.
// Aliases are unioned; non-empty fields of later results overwrite earlier ones.
func MergeCharacters(base []schema.Character, updates []schema.ExtractedCharacter) []schema.Character {
	idx := make(map[string]int, len(base))
	index := func(i int) {
		idx[norm(base[i].Name)] = i
		for _, a := range base[i].Aliases {
			if k := norm(a); k != "" {
				if _, ok := idx[k]; !ok {
					idx[k] = i
				}
			}
		}
	}
	for i := range base {
		index(i)
	}

	for _, up := range updates {
		name := strings.TrimSpace(up.Name)
		if name == "" {
			continue
		}
		i, ok := idx[norm(name)]
		if !ok {
			for _, a := range up.Aliases {
				if i, ok = idx[norm(a)]; ok {
					break
				}
			}
		}
		if !ok {
			base = append(base, schema.Character{ID: ksuid.New().String(), Name: name})
			i = len(base) - 1
		}

		c := &base[i]
		c.Aliases = mergeAliases(c.Name, c.Aliases, append([]string{name}, up.Aliases...))
		if g := normGender(up.Gender); g != "" {
			c.Gender = g
		}
		if a := strings.TrimSpace(up.Appearance); a != "" {
			c.Appearance = setSection(c.Appearance, "description", a)
		}
		if id := strings.TrimSpace(up.Identity); id != "" {
			c.Appearance = setSection(c.Appearance, "identity", id)
		}
		index(i)
	}
	return base
}

func mergeAliases(name string, have, add []string) []string {
	seen := map[string]struct{}{norm(name): {}}
	out := make([]string, 0, len(have)+len(add))
	for _, a := range append(append([]string(nil), have...), add...) {
		a = strings.TrimSpace(a)
		k := norm(a)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normGender(g string) string {
	switch norm(g) {
	case "male", "m", "男":
		return "male"
	case "female", "f", "女":
		return "female"
	}
	return ""
}

func setSection(m map[string]string, key, value string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[key] = value
	return m
}

// MergeScenes merges extracted scenes into base. A scene whose name is at least 85% similar to an
// existing one updates it; others are appended.
func MergeScenes(base []schema.Scene, updates []schema.ExtractedScene) []schema.Scene {
	for _, up := range updates {
		name := strings.TrimSpace(up.Name)
		if name == "" {
			continue
		}
		best, bestScore := -1, 0.0
		for i, s := range base {
			if score := utils.Similarity(norm(s.Name), norm(name)); score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 || bestScore < sceneMergeThreshold {
			base = append(base, schema.Scene{ID: ksuid.New().String(), Name: name})
			best = len(base) - 1
		}

		s := &base[best]
		if v := strings.TrimSpace(up.Description); v != "" {
			s.Description = v
		}
		if v := strings.TrimSpace(up.TimeOfDay); v != "" {
			s.TimeOfDay = v
		}
		if v := strings.TrimSpace(up.Atmosphere); v != "" {
			s.Atmosphere = v
		}
	}
	return base
}

func characterNames(chars []schema.Character) string {
	names := make([]string, 0, len(chars))
	for _, c := range chars {
		n := c.Name
		if len(c.Aliases) > 0 {
			n += " (" + strings.Join(c.Aliases, ", ") + ")"
		}
		names = append(names, n)
	}
	return strings.Join(names, "; ")
}

func cloneCharacters(in []schema.Character) []schema.Character {
	out := make([]schema.Character, len(in))
	for i, c := range in {
		c.Aliases = append([]string(nil), c.Aliases...)
		if c.Appearance != nil {
			m := make(map[string]string, len(c.Appearance))
			for k, v := range c.Appearance {
				m[k] = v
			}
			c.Appearance = m
		}
		if c.Costume != nil {
			cc := *c.Costume
			c.Costume = &cc
		}
		c.Forms = append([]schema.Form(nil), c.Forms...)
		out[i] = c
	}
	return out
}
