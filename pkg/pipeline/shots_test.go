package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/pkg/diff"
	"storyboard/pkg/jsonfix"
	"storyboard/pkg/schema"
)

const (
	analysisJSON = `{"summary":"林夏回到小镇","genre":"悬疑","tone":"压抑","beats":[{"index":1,"summary":"重逢"}],"characters":["林夏"],"scenes":["茶馆"]}`
	strategyJSON = `{"style":"冷色调写实","color_palette":["青"],"lighting":"低调光","camera_language":"长焦","pacing":"慢","motifs":["雨"]}`
	reviewJSON   = `{"score":88,"issues":[{"seq":2,"problem":"动作不清","fix":"补充动作"}],"revised":[{"seq":2,"story":"林夏把伞收起，抬头","characters":["林夏"],"scene":"茶馆"}]}`
)

func planJSON(n int) string {
	shots := make([]string, n)
	for i := range shots {
		shots[i] = fmt.Sprintf(`{"seq":%d,"beat":1,"duration":3,"shot_type":"static","purpose":"purpose %d"}`, i+1, i+1)
	}
	return `{"shots":[` + strings.Join(shots, ",") + `]}`
}

func designJSON(from, to int) string {
	var shots []string
	for i := from; i <= to; i++ {
		shots = append(shots, fmt.Sprintf(`{"seq":%d,"angle":"中景","story":"story %d","characters":["林夏"],"scene":"茶馆"}`, i, i))
	}
	return `{"shots":[` + strings.Join(shots, ",") + `]}`
}

var (
	testChars  = []schema.Character{{ID: "c1", Name: "林夏", Aliases: []string{"夏夏"}}}
	testScenes = []schema.Scene{{ID: "s1", Name: "茶馆"}}
)

func shotInput() ShotListInput {
	return ShotListInput{
		EpisodeID:  "ep1",
		Script:     "林夏走进茶馆。",
		Settings:   schema.Settings{Era: "现代"},
		Characters: testChars,
		Scenes:     testScenes,
	}
}

func fullRun(inf *fakeInferencer) *fakeInferencer {
	return inf.
		on(StageAnalysis, ok(analysisJSON)).
		on(StageStrategy, ok(strategyJSON)).
		on(StagePlan, ok(planJSON(7))).
		on(StageDesign, ok(designJSON(1, 6)), ok(designJSON(7, 7))).
		on(StageReview, ok(reviewJSON))
}

func TestGenerateShots(t *testing.T) {
	inf := fullRun(newFakeInferencer())
	kv := newMemKV()
	p := testPipeline(inf, kv)

	var events []Event
	res, err := p.GenerateShots(context.Background(), shotInput(), func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	require.Len(t, res.Shots, 7)
	assert.Equal(t, 2, inf.count(StageDesign))
	for i, s := range res.Shots {
		assert.Equal(t, i+1, s.Seq)
		assert.Equal(t, 3.0, s.Duration)
		assert.Equal(t, schema.ShotStatic, s.ShotType)
		assert.Equal(t, []string{"c1"}, s.Characters)
		assert.Equal(t, "s1", s.SceneID)
	}
	assert.Equal(t, "林夏把伞收起，抬头", res.Shots[1].Story)
	assert.Empty(t, res.Shots[1].Angle)

	require.Len(t, res.Diff, 1)
	assert.Equal(t, 2, res.Diff[0].Seq)
	assert.Equal(t, diff.Modified, res.Diff[0].State)
	assert.Equal(t, 88, res.Review.Score)
	assert.Equal(t, "冷色调写实", res.Strategy.Style)

	_, found, _ := kv.Get(context.Background(), checkpointKey("ep1"))
	assert.False(t, found, "checkpoint is removed after success")

	var done []string
	for _, e := range events {
		if e.Status == StatusDone {
			done = append(done, e.Stage)
		}
	}
	assert.Equal(t, []string{StageAnalysis, StageStrategy, StagePlan, StageDesign, StageDesign, StageReview}, done)
}

func TestGenerateShots_EmptyScript(t *testing.T) {
	p := testPipeline(newFakeInferencer(), nil)
	in := shotInput()
	in.Script = "  "
	_, err := p.GenerateShots(context.Background(), in, nil)
	require.Error(t, err)
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	inf := newFakeInferencer().on(StageStrategy, fail(errors.New("connection reset")), ok(strategyJSON))
	p := testPipeline(inf, nil)

	v, err := run[schema.VisualStrategy](context.Background(), p, call{stage: StageStrategy, system: strategyPrompt}, nil)
	require.NoError(t, err)
	assert.Equal(t, "冷色调写实", v.Style)
	assert.Equal(t, 2, inf.count(StageStrategy))
}

func TestRun_FixesMalformedOutput(t *testing.T) {
	inf := newFakeInferencer().
		on(StageStrategy, ok("I think the style should be cold.")).
		on("fix", ok(strategyJSON))
	p := testPipeline(inf, nil)

	v, err := run[schema.VisualStrategy](context.Background(), p, call{stage: StageStrategy, system: strategyPrompt}, nil)
	require.NoError(t, err)
	assert.Equal(t, "冷色调写实", v.Style)
	assert.Equal(t, 1, inf.count(StageStrategy))
	assert.Equal(t, 1, inf.count("fix"))
}

func TestRun_UsesTruncatedStreamWhenComplete(t *testing.T) {
	inf := newFakeInferencer().on(StageStrategy, reply{text: strategyJSON, err: errors.New("stream closed")})
	p := testPipeline(inf, nil)

	v, err := run[schema.VisualStrategy](context.Background(), p, call{stage: StageStrategy, system: strategyPrompt}, nil)
	require.NoError(t, err)
	assert.Equal(t, "冷色调写实", v.Style)
}

func TestRun_PermanentErrorIsNotRetried(t *testing.T) {
	inf := newFakeInferencer().on(StageAnalysis, fail(fmt.Errorf("openai: %w", schema.ErrUnauthorized)), ok(analysisJSON))
	p := testPipeline(inf, nil)

	_, err := run[schema.ScriptAnalysis](context.Background(), p, call{stage: StageAnalysis, system: analysisPrompt}, nil)
	require.ErrorIs(t, err, schema.ErrUnauthorized)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageAnalysis, se.Stage)
	assert.Equal(t, 1, inf.count(StageAnalysis))
}

func TestRun_ExhaustionKeepsRawOutput(t *testing.T) {
	inf := newFakeInferencer().on(StageAnalysis, ok("nope 1"), ok("nope 2"), ok("nope 3"))
	p := testPipeline(inf, nil)

	_, err := run[schema.ScriptAnalysis](context.Background(), p, call{stage: StageAnalysis, system: analysisPrompt}, nil)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nope 3", se.Raw)
	var pe *jsonfix.ParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, inf.count(StageAnalysis))
	assert.Equal(t, 3, inf.count("fix"))
}

func TestRun_ValidationFailureCountsAsMalformed(t *testing.T) {
	inf := newFakeInferencer().
		on(StageAnalysis, ok(`{"summary":"x","beats":[]}`)).
		on("fix", ok(analysisJSON))
	p := testPipeline(inf, nil)

	v, err := run[schema.ScriptAnalysis](context.Background(), p, call{stage: StageAnalysis, system: analysisPrompt}, nil)
	require.NoError(t, err)
	assert.Len(t, v.Beats, 1)
}

func TestGenerateShots_ResumesFromCheckpoint(t *testing.T) {
	kv := newMemKV()
	inf := newFakeInferencer().
		on(StageAnalysis, ok(analysisJSON)).
		on(StageStrategy, ok(strategyJSON)).
		on(StagePlan, ok(planJSON(7))).
		on(StageDesign, ok(designJSON(1, 6)), fail(schema.ErrInsufficientBalance))

	_, err := testPipeline(inf, kv).GenerateShots(context.Background(), shotInput(), nil)
	require.ErrorIs(t, err, schema.ErrInsufficientBalance)

	cp := testPipeline(inf, kv).loadCheckpoint(context.Background(), "ep1")
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.DesignedBatches)
	assert.Len(t, cp.Designed, 6)

	inf2 := newFakeInferencer().
		on(StageDesign, ok(designJSON(7, 7))).
		on(StageReview, ok(`{"score":95,"issues":[],"revised":[]}`))
	var skipped []string
	res, err := testPipeline(inf2, kv).GenerateShots(context.Background(), shotInput(), func(e Event) {
		if e.Status == StatusSkipped {
			skipped = append(skipped, e.Stage)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, StageDesign, res.Resumed)
	assert.Len(t, res.Shots, 7)
	assert.Empty(t, res.Diff)
	assert.Equal(t, 0, inf2.count(StageAnalysis))
	assert.Equal(t, 1, inf2.count(StageDesign))
	assert.Equal(t, []string{StageAnalysis, StageStrategy, StagePlan, StageDesign}, skipped)
}

func TestGenerateShots_FreshIgnoresCheckpoint(t *testing.T) {
	kv := newMemKV()
	p := testPipeline(newFakeInferencer(), kv)
	p.saveCheckpoint(context.Background(), &Checkpoint{EpisodeID: "ep1", Analysis: &schema.ScriptAnalysis{Summary: "old"}})

	inf := fullRun(newFakeInferencer())
	in := shotInput()
	in.Fresh = true
	res, err := testPipeline(inf, kv).GenerateShots(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, "林夏回到小镇", res.Analysis.Summary)
	assert.Equal(t, 1, inf.count(StageAnalysis))
}

func TestCheckpoint_CompressesLargeState(t *testing.T) {
	kv := newMemKV()
	p := testPipeline(newFakeInferencer(), kv)
	big := strings.Repeat("长", compressAbove)
	p.saveCheckpoint(context.Background(), &Checkpoint{EpisodeID: "ep2", Analysis: &schema.ScriptAnalysis{Summary: big}})

	raw, found, _ := kv.Get(context.Background(), checkpointKey("ep2"))
	require.True(t, found)
	assert.True(t, strings.HasPrefix(raw, compressedPrefix))

	cp := p.loadCheckpoint(context.Background(), "ep2")
	require.NotNil(t, cp)
	assert.Equal(t, big, cp.Analysis.Summary)
}

func TestAlignBatch(t *testing.T) {
	planned := []schema.PlannedShot{{Seq: 4, Purpose: "p4"}, {Seq: 5, Purpose: "p5"}, {Seq: 6, Purpose: "p6"}}
	designed := []schema.DesignedShot{{Seq: 5, Story: "five"}, {Seq: 1, Story: "misnumbered"}}

	got := alignBatch(planned, designed)
	require.Len(t, got, 3)
	assert.Equal(t, "p4", got[0].Story)
	assert.Equal(t, "five", got[1].Story)
	assert.Equal(t, "p6", got[2].Story)
	for i, d := range got {
		assert.Equal(t, planned[i].Seq, d.Seq)
	}
}
