package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"storyboard/pkg/grid"
	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

const StagePrompts = "prompts"

const gridNegativePrompt = "text, watermark, signature, speech bubble, borders between panels missing, merged panels, deformed hands, extra fingers, blurry"

// ExtractPrompts fills the image and video prompts of every shot in batches. A batch that fails
// after its retries falls back to prompts built from the shot fields; only permanent errors abort.
// The input slice is not modified.
func (p *Pipeline) ExtractPrompts(ctx context.Context, shots []schema.Shot, settings schema.Settings, chars []schema.Character, scenes []schema.Scene, progress Progress) ([]schema.Shot, error) {
	out := schema.CloneShots(shots)
	size := p.batchSize()
	batches := (len(out) + size - 1) / size
	sheet := characterSheet(chars)

	for b := 0; b < batches; b++ {
		start, end := b*size, min((b+1)*size, len(out))
		batch := out[start:end]

		user := fmt.Sprintf("Settings:\n%s\n\nCharacters:\n%s\nShots:\n%s",
			utils.PrettyJSON(settings), sheet, utils.PrettyJSON(batch))
		res, err := run[schema.PromptBatch](ctx, p, call{
			stage:   StagePrompts,
			system:  shotPromptsPrompt,
			user:    user,
			format:  schema.ResponseFormat("shot_prompts", "Image and video prompts per shot", schema.PromptBatchSchema),
			batch:   b + 1,
			batches: batches,
		}, progress)
		if err != nil {
			if schema.Permanent(err) || ctx.Err() != nil {
				return out, err
			}
			log.Warn("prompt extraction failed, using fallback prompts", "batch", b+1, "error", err)
		}

		bySeq := make(map[int]schema.ShotPrompt, len(res.Prompts))
		for _, sp := range res.Prompts {
			bySeq[sp.Seq] = sp
		}
		for i := range batch {
			s := &batch[i]
			if sp, ok := bySeq[s.Seq]; ok {
				s.ImagePromptCN, s.ImagePromptEN = sp.ImagePromptCN, sp.ImagePromptEN
				s.VideoPromptCN, s.VideoPromptEN = sp.VideoPromptCN, sp.VideoPromptEN
			}
			if s.ImagePromptCN == "" && s.ImagePromptEN == "" {
				s.ImagePromptCN = FallbackPrompt(*s, chars, scenes)
			}
			if s.VideoPromptCN == "" && s.VideoPromptEN == "" {
				s.VideoPromptCN = fallbackVideoPrompt(*s)
			}
		}
	}
	return out, nil
}

// FallbackPrompt builds an image prompt from a shot's composition fields.
func FallbackPrompt(s schema.Shot, chars []schema.Character, scenes []schema.Scene) string {
	var parts []string
	add := func(v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	add(s.Angle)
	for _, id := range s.Characters {
		for _, c := range chars {
			if c.ID == id {
				add(describeCharacter(c))
			}
		}
	}
	add(s.Foreground)
	add(s.Midground)
	add(s.Background)
	for _, sc := range scenes {
		if sc.ID == s.SceneID {
			add(sc.Name)
			add(sc.TimeOfDay)
			add(sc.Atmosphere)
		}
	}
	if len(parts) == 0 {
		add(s.Story)
	}
	return strings.Join(parts, "，")
}

func fallbackVideoPrompt(s schema.Shot) string {
	var parts []string
	if s.CameraMove != "" {
		parts = append(parts, s.CameraMove)
	}
	if s.Story != "" {
		parts = append(parts, s.Story)
	}
	if s.Duration > 0 {
		parts = append(parts, fmt.Sprintf("%g秒", s.Duration))
	}
	return strings.Join(parts, "，")
}

func describeCharacter(c schema.Character) string {
	desc := c.Name
	var details []string
	for _, k := range []string{"description", "face", "hair", "build"} {
		if v := c.Appearance[k]; v != "" {
			details = append(details, v)
		}
	}
	if c.Costume != nil {
		if c.Costume.Top != "" {
			details = append(details, c.Costume.Top)
		}
		if c.Costume.Bottom != "" {
			details = append(details, c.Costume.Bottom)
		}
	}
	if len(details) > 0 {
		desc += "（" + strings.Join(details, "，") + "）"
	}
	return desc
}

func characterSheet(chars []schema.Character) string {
	var sb strings.Builder
	for _, c := range chars {
		fmt.Fprintf(&sb, "- %s [%s]\n", describeCharacter(c), c.ID)
	}
	if sb.Len() == 0 {
		return "(none)\n"
	}
	return sb.String()
}

// GridPrompt composes the request for one nine-grid image from up to nine shots. Panels are
// numbered left to right, top to bottom.
func GridPrompt(shots []schema.Shot, settings schema.Settings, chars []schema.Character) grid.TaskRequest {
	var sb strings.Builder
	sb.WriteString("A 3x3 storyboard grid of nine equally sized panels with thin white borders, read left to right, top to bottom.")
	if settings.Style != "" {
		fmt.Fprintf(&sb, " Style: %s.", settings.Style)
	}
	if settings.Era != "" {
		fmt.Fprintf(&sb, " Era: %s.", settings.Era)
	}
	sb.WriteString(" Keep every character consistent across panels.\n")

	seen := map[string]bool{}
	for _, s := range shots {
		for _, id := range s.Characters {
			if seen[id] {
				continue
			}
			seen[id] = true
			for _, c := range chars {
				if c.ID == id {
					fmt.Fprintf(&sb, "Character %s.\n", describeCharacter(c))
				}
			}
		}
	}

	for cell := 0; cell < grid.Size; cell++ {
		if cell >= len(shots) {
			fmt.Fprintf(&sb, "Panel %d: empty, plain background.\n", cell+1)
			continue
		}
		s := shots[cell]
		prompt := s.ImagePromptEN
		if prompt == "" {
			prompt = s.ImagePromptCN
		}
		if prompt == "" {
			prompt = FallbackPrompt(s, chars, nil)
		}
		fmt.Fprintf(&sb, "Panel %d: %s\n", cell+1, prompt)
	}

	return grid.TaskRequest{
		Prompt:         strings.TrimSpace(sb.String()),
		NegativePrompt: gridNegativePrompt,
		AspectRatio:    settings.AspectRatio,
		Model:          settings.Model,
	}
}
