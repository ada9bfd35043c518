package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
	"storyboard/pkg/vocab"
)

const (
	StageAppearance = "appearance"
	StageCostume    = "costume"
	StageForms      = "forms"
)

var supplementStages = []struct {
	name   string
	system string
}{
	{StageAppearance, appearancePrompt},
	{StageCostume, costumePrompt},
	{StageForms, formsPrompt},
}

// Supplement fills in a character's appearance, costume and forms, one stage at a time. Each stage
// sees the result of the previous one and overwrites only the fields it returns. On failure the
// character is returned with the stages completed so far.
func (p *Pipeline) Supplement(ctx context.Context, settings schema.Settings, char schema.Character, script string, progress Progress) (schema.Character, error) {
	words, err := vocab.Lookup(settings.Era, settings.BeautyLevel, char.Gender)
	if err != nil {
		log.Warn("failed to load reference vocabulary", "error", err)
	}
	reference := words.Prompt()

	out := cloneCharacters([]schema.Character{char})[0]
	for i, st := range supplementStages {
		var user strings.Builder
		fmt.Fprintf(&user, "Settings:\n%s\n\nCharacter:\n%s\n", utils.PrettyJSON(settings), utils.PrettyJSON(out))
		if reference != "" {
			fmt.Fprintf(&user, "\nReference vocabulary:\n%s", reference)
		}
		if script != "" {
			fmt.Fprintf(&user, "\nScript excerpt:\n%s\n", utils.LimitStr(script, extractChunkRunes))
		}

		sup, err := run[schema.CharacterSupplement](ctx, p, call{
			stage:   st.name,
			system:  st.system,
			user:    user.String(),
			format:  schema.ResponseFormat("character_"+st.name, "Character "+st.name, schema.CharacterSupplementSchema),
			batch:   i + 1,
			batches: len(supplementStages),
		}, progress)
		if err != nil {
			return out, fmt.Errorf("supplement %s: %w", char.Name, err)
		}
		out = ApplySupplement(out, sup)
	}
	log.Info("supplemented character", "character", out.Name)
	return out, nil
}

// ApplySupplement overwrites the fields sup carries. Appearance sections are merged key by key.
func ApplySupplement(c schema.Character, sup schema.CharacterSupplement) schema.Character {
	for k, v := range sup.Appearance {
		if v = strings.TrimSpace(v); v != "" {
			c.Appearance = setSection(c.Appearance, k, v)
		}
	}
	if sup.Costume != nil {
		cc := *sup.Costume
		c.Costume = &cc
	}
	if len(sup.Forms) > 0 {
		c.Forms = append([]schema.Form(nil), sup.Forms...)
	}
	if sup.Quote != "" {
		c.Quote = sup.Quote
	}
	if sup.Abilities != "" {
		c.Abilities = sup.Abilities
	}
	if sup.IdentityEvolution != "" {
		c.IdentityEvolution = sup.IdentityEvolution
	}
	return c
}
