package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"storyboard/pkg/diff"
	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

const (
	StageAnalysis = "analysis"
	StageStrategy = "strategy"
	StagePlan     = "plan"
	StageDesign   = "design"
	StageReview   = "review"

	// contextShots is how many earlier shots are passed to each design batch for continuity.
	contextShots = 3
)

type ShotListInput struct {
	EpisodeID  string
	Script     string
	Settings   schema.Settings
	Characters []schema.Character
	Scenes     []schema.Scene
	// Fresh ignores any saved checkpoint.
	Fresh bool
}

type ShotListResult struct {
	Shots    []schema.Shot         `json:"shots"`
	Analysis schema.ScriptAnalysis `json:"analysis"`
	Strategy schema.VisualStrategy `json:"strategy"`
	Review   schema.QualityReview  `json:"review"`
	Diff     []diff.ShotDiff       `json:"diff,omitempty"`
	Resumed  string                `json:"resumed,omitempty"`
}

// GenerateShots runs the shot-list chain: analysis, strategy, plan, design in batches, review.
// Each completed stage is checkpointed so a failed run can pick up where it stopped.
func (p *Pipeline) GenerateShots(ctx context.Context, in ShotListInput, progress Progress) (*ShotListResult, error) {
	if strings.TrimSpace(in.Script) == "" {
		return nil, fmt.Errorf("episode %s has no script", in.EpisodeID)
	}

	var cp *Checkpoint
	if !in.Fresh {
		cp = p.loadCheckpoint(ctx, in.EpisodeID)
	}
	result := &ShotListResult{}
	if cp != nil {
		result.Resumed = cp.lastStage()
		log.Info("resuming shot list", "episode", in.EpisodeID, "after", result.Resumed)
	} else {
		cp = &Checkpoint{EpisodeID: in.EpisodeID}
	}

	roster := rosterText(in.Characters, in.Scenes)
	settings := utils.PrettyJSON(in.Settings)

	if cp.Analysis == nil {
		a, err := run[schema.ScriptAnalysis](ctx, p, call{
			stage:  StageAnalysis,
			system: analysisPrompt,
			user:   fmt.Sprintf("Roster:\n%s\n\nScript:\n%s", roster, in.Script),
			format: schema.ResponseFormat("script_analysis", "Analysis of the episode script", schema.ScriptAnalysisSchema),
		}, progress)
		if err != nil {
			return nil, err
		}
		cp.Analysis = &a
		p.saveCheckpoint(ctx, cp)
	} else {
		progress.emit(Event{Stage: StageAnalysis, Status: StatusSkipped})
	}

	if cp.Strategy == nil {
		s, err := run[schema.VisualStrategy](ctx, p, call{
			stage:  StageStrategy,
			system: strategyPrompt,
			user:   fmt.Sprintf("Settings:\n%s\n\nAnalysis:\n%s", settings, utils.PrettyJSON(cp.Analysis)),
			format: schema.ResponseFormat("visual_strategy", "Visual strategy of the episode", schema.VisualStrategySchema),
		}, progress)
		if err != nil {
			return nil, err
		}
		cp.Strategy = &s
		p.saveCheckpoint(ctx, cp)
	} else {
		progress.emit(Event{Stage: StageStrategy, Status: StatusSkipped})
	}

	if cp.Plan == nil {
		plan, err := run[schema.ShotPlan](ctx, p, call{
			stage:  StagePlan,
			system: planPrompt,
			user: fmt.Sprintf("Analysis:\n%s\n\nVisual strategy:\n%s\n\nScript:\n%s",
				utils.PrettyJSON(cp.Analysis), utils.PrettyJSON(cp.Strategy), in.Script),
			format: schema.ResponseFormat("shot_plan", "Ordered shot plan", schema.ShotPlanSchema),
		}, progress)
		if err != nil {
			return nil, err
		}
		plan.Shots = renumber(plan.Shots)
		cp.Plan = &plan
		cp.Designed, cp.DesignedBatches = nil, 0
		p.saveCheckpoint(ctx, cp)
	} else {
		progress.emit(Event{Stage: StagePlan, Status: StatusSkipped})
	}

	if err := p.design(ctx, cp, roster, in.Script, progress); err != nil {
		return nil, err
	}

	designed := toShots(cp.Plan.Shots, cp.Designed, in.Characters, in.Scenes)

	review, err := run[schema.QualityReview](ctx, p, call{
		stage:  StageReview,
		system: reviewPrompt,
		user: fmt.Sprintf("Analysis:\n%s\n\nShots:\n%s",
			utils.PrettyJSON(cp.Analysis), utils.PrettyJSON(cp.Designed)),
		format: schema.ResponseFormat("quality_review", "Review of the designed shots", schema.QualityReviewSchema),
	}, progress)
	if err != nil {
		return nil, err
	}

	final := toShots(cp.Plan.Shots, applyRevisions(cp.Designed, review.Revised), in.Characters, in.Scenes)
	result.Diff = diff.Shots(designed, final)
	if len(result.Diff) > 0 {
		log.Info("review revised shots", "episode", in.EpisodeID, "changed", len(result.Diff), "score", review.Score)
		var sb strings.Builder
		diff.Print(&sb, result.Diff)
		log.Debug("review diff\n" + sb.String())
	}

	p.ClearCheckpoint(ctx, in.EpisodeID)

	result.Shots = final
	result.Analysis = *cp.Analysis
	result.Strategy = *cp.Strategy
	result.Review = review
	return result, nil
}

func (p *Pipeline) design(ctx context.Context, cp *Checkpoint, roster, script string, progress Progress) error {
	size := p.batchSize()
	planned := cp.Plan.Shots
	batches := (len(planned) + size - 1) / size

	for b := 0; b < batches; b++ {
		if b < cp.DesignedBatches {
			progress.emit(Event{Stage: StageDesign, Status: StatusSkipped, Batch: b + 1, Batches: batches})
			continue
		}
		start, end := b*size, min((b+1)*size, len(planned))
		batch := planned[start:end]

		var user strings.Builder
		fmt.Fprintf(&user, "Roster:\n%s\n\nScript:\n%s\n\n", roster, script)
		if prev := cp.Designed[max(len(cp.Designed)-contextShots, 0):]; len(prev) > 0 {
			fmt.Fprintf(&user, "Previous shots:\n%s\n\n", utils.PrettyJSON(prev))
		}
		fmt.Fprintf(&user, "Design these shots:\n%s", utils.PrettyJSON(batch))

		res, err := run[schema.ShotDesignBatch](ctx, p, call{
			stage:   StageDesign,
			system:  designPrompt,
			user:    user.String(),
			format:  schema.ResponseFormat("shot_design", "Detailed design of the requested shots", schema.ShotDesignSchema),
			batch:   b + 1,
			batches: batches,
		}, progress)
		if err != nil {
			return err
		}

		cp.Designed = append(cp.Designed, alignBatch(batch, res.Shots)...)
		cp.DesignedBatches = b + 1
		p.saveCheckpoint(ctx, cp)
	}
	return nil
}

func (cp *Checkpoint) lastStage() string {
	switch {
	case cp.Plan != nil && cp.DesignedBatches > 0:
		return StageDesign
	case cp.Plan != nil:
		return StagePlan
	case cp.Strategy != nil:
		return StageStrategy
	case cp.Analysis != nil:
		return StageAnalysis
	}
	return ""
}

// renumber makes seq consecutive from 1 in plan order.
func renumber(shots []schema.PlannedShot) []schema.PlannedShot {
	out := slices.Clone(shots)
	for i := range out {
		out[i].Seq = i + 1
	}
	return out
}

// alignBatch returns one designed shot per planned shot. Designs are matched by seq, falling back
// to position; a planned shot the model skipped gets its purpose as the story.
func alignBatch(planned []schema.PlannedShot, designed []schema.DesignedShot) []schema.DesignedShot {
	bySeq := make(map[int]schema.DesignedShot, len(designed))
	for _, d := range designed {
		bySeq[d.Seq] = d
	}
	out := make([]schema.DesignedShot, len(planned))
	for i, ps := range planned {
		d, ok := bySeq[ps.Seq]
		if !ok && i < len(designed) {
			if !seqIn(planned, designed[i].Seq) {
				d, ok = designed[i], true
			}
		}
		if !ok {
			log.Warn("model skipped a shot, using the plan", "seq", ps.Seq)
			d = schema.DesignedShot{Story: ps.Purpose}
		}
		d.Seq = ps.Seq
		out[i] = d
	}
	return out
}

func seqIn(planned []schema.PlannedShot, seq int) bool {
	return slices.ContainsFunc(planned, func(ps schema.PlannedShot) bool { return ps.Seq == seq })
}

// applyRevisions replaces designed shots by the reviewed ones with the same seq.
func applyRevisions(designed, revised []schema.DesignedShot) []schema.DesignedShot {
	out := slices.Clone(designed)
	idx := make(map[int]int, len(out))
	for i, d := range out {
		idx[d.Seq] = i
	}
	for _, r := range revised {
		i, ok := idx[r.Seq]
		if !ok {
			log.Warn("review revised an unknown shot", "seq", r.Seq)
			continue
		}
		out[i] = r
	}
	return out
}

func toShots(planned []schema.PlannedShot, designed []schema.DesignedShot, chars []schema.Character, scenes []schema.Scene) []schema.Shot {
	plan := make(map[int]schema.PlannedShot, len(planned))
	for _, ps := range planned {
		plan[ps.Seq] = ps
	}
	out := make([]schema.Shot, 0, len(designed))
	for _, d := range designed {
		ps := plan[d.Seq]
		shotType := schema.ShotStatic
		if ps.ShotType == string(schema.ShotMotion) {
			shotType = schema.ShotMotion
		}
		out = append(out, schema.Shot{
			Seq:        d.Seq,
			Duration:   ps.Duration,
			ShotType:   shotType,
			Foreground: d.Foreground,
			Midground:  d.Midground,
			Background: d.Background,
			Angle:      d.Angle,
			CameraMove: d.CameraMove,
			Story:      d.Story,
			Dialogue:   d.Dialogue,
			Characters: characterIDs(d.Characters, chars),
			SceneID:    sceneID(d.Scene, scenes),
		})
	}
	return out
}

func characterIDs(names []string, chars []schema.Character) []string {
	if len(names) == 0 {
		return nil
	}
	idx := make(map[string]string)
	for _, c := range chars {
		for _, a := range c.Aliases {
			idx[norm(a)] = c.ID
		}
	}
	for _, c := range chars {
		idx[norm(c.Name)] = c.ID
	}
	var out []string
	for _, n := range names {
		if id, ok := idx[norm(n)]; ok && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func sceneID(name string, scenes []schema.Scene) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	best, bestScore := "", 0.0
	for _, s := range scenes {
		if score := utils.Similarity(norm(s.Name), norm(name)); score > bestScore {
			best, bestScore = s.ID, score
		}
	}
	if bestScore < sceneMergeThreshold {
		return ""
	}
	return best
}

func rosterText(chars []schema.Character, scenes []schema.Scene) string {
	var sb strings.Builder
	for _, c := range chars {
		fmt.Fprintf(&sb, "- character: %s", c.Name)
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(c.Aliases, ", "))
		}
		sb.WriteByte('\n')
	}
	for _, s := range scenes {
		fmt.Fprintf(&sb, "- scene: %s\n", s.Name)
	}
	if sb.Len() == 0 {
		return "(none)"
	}
	return sb.String()
}
