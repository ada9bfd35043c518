package jsonfix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/pkg/schema"
)

func TestExtract_PicksLastCompleteValue(t *testing.T) {
	raw := "<think>planning {draft}</think>Here you go:\n```json\n{\"a\":1}\n```\nand the final answer {\"a\":2}"
	text, repaired, err := Extract(raw)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.Equal(t, `{"a":2}`, text)
}

func TestExtract_SkipsInvalidTrailingBraces(t *testing.T) {
	raw := `{"shots":[{"seq":1}]} note: {not json}`
	text, _, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"shots":[{"seq":1}]}`, text)
}

func TestExtract_BracesInsideStrings(t *testing.T) {
	raw := `{"story":"他说：{不要走}]","seq":3}`
	text, repaired, err := Extract(raw)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.Equal(t, raw, text)
}

func TestExtract_FullWidthPunctuation(t *testing.T) {
	raw := `｛“name”：“林墨”，“gender”：“male”｝`
	text, _, err := Extract(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"林墨","gender":"male"}`, text)
}

func TestExtract_NoJSON(t *testing.T) {
	_, _, err := Extract("sorry, I cannot help with that")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestRepair_TruncatedInputs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"mid string value", `{"shots":[{"seq":1,"story":"雨夜`, `{"shots":[{"seq":1,"story":"雨夜"}]}`},
		{"mid key", `{"a":1,"sto`, `{"a":1}`},
		{"after colon", `{"shots":[{"seq":1},{"seq":`, `{"shots":[{"seq":1}]}`},
		{"trailing comma", `[1,2,`, `[1,2]`},
		{"empty container", `{"shots":[`, `{"shots":[]}`},
		{"nested closed", `{"a":[1,2],"b`, `{"a":[1,2]}`},
		{"dangling escape", `{"a":"x\`, `{"a":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Repair(tc.in)
			require.True(t, ok)
			assert.JSONEq(t, tc.want, got)
		})
	}
}

func TestRepair_Rejects(t *testing.T) {
	_, ok := Repair("plain text")
	assert.False(t, ok)
	_, ok = Repair(`{"a":1]`)
	assert.False(t, ok)
}

func TestDecode_RepairsAndValidates(t *testing.T) {
	raw := "```json\n{\"shots\":[{\"seq\":1,\"beat\":1,\"duration\":3,\"shot_type\":\"static\",\"purpose\":\"建立环境\"},{\"se"
	plan, err := Decode[schema.ShotPlan](raw)
	require.NoError(t, err)
	require.Len(t, plan.Shots, 1)
	assert.Equal(t, "建立环境", plan.Shots[0].Purpose)
}

func TestDecode_ValidationFailureKeepsRaw(t *testing.T) {
	raw := `{"shots":[]}`
	_, err := Decode[schema.ShotPlan](raw)
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, raw, perr.Raw)
	assert.False(t, perr.Repaired)
}

func TestDecode_Slice(t *testing.T) {
	got, err := Decode[[]string](`names: ["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}
