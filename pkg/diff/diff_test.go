package diff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/pkg/schema"
)

func TestShots(t *testing.T) {
	oldS := []schema.Shot{
		{Seq: 1, Story: "林夏推开门", Angle: "中景"},
		{Seq: 2, Story: "她停下脚步"},
		{Seq: 3, Story: "雨声"},
	}
	newS := []schema.Shot{
		{Seq: 1, Story: "林夏猛地推开门", Angle: "中景"},
		{Seq: 2, Story: "她停下脚步"},
		{Seq: 4, Story: "雷声", Dialogue: "谁？"},
	}

	diffs := Shots(oldS, newS)
	require.Len(t, diffs, 3)

	assert.Equal(t, 1, diffs[0].Seq)
	assert.Equal(t, Modified, diffs[0].State)
	require.Len(t, diffs[0].FieldDiffs, 1)
	assert.Equal(t, "Story", diffs[0].FieldDiffs[0].Path)
	assert.Contains(t, diffs[0].FieldDiffs[0].Str.Deltas, WordDelta{Op: Insert, Text: "猛地"})

	assert.Equal(t, 3, diffs[1].Seq)
	assert.Equal(t, Removed, diffs[1].State)

	assert.Equal(t, 4, diffs[2].Seq)
	assert.Equal(t, Added, diffs[2].State)
	assert.Len(t, diffs[2].FieldDiffs, 2)
}

func TestShots_NoChanges(t *testing.T) {
	s := []schema.Shot{{Seq: 1, Story: "a", Duration: 3}}
	assert.Empty(t, Shots(s, s))
}

func TestStrDiff_Coalesces(t *testing.T) {
	d := strDiff("close up on the door", "wide shot on the door")
	require.NotEmpty(t, d.Deltas)
	assert.Equal(t, Equal, d.Deltas[len(d.Deltas)-1].Op)
	assert.Contains(t, d.Deltas[len(d.Deltas)-1].Text, "the door")
	assert.NotEqual(t, Equal, d.Deltas[0].Op)
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, []ShotDiff{{Seq: 2, State: Removed}})
	assert.Contains(t, buf.String(), "#2")
	buf.Reset()
	Print(&buf, nil)
	assert.Empty(t, buf.String())
}
