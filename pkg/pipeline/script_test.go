package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanScript_HTML(t *testing.T) {
	raw := `<html><body><h1>第1集</h1><p>林夏推开门。</p><script>alert(1)</script><p>她愣住了。<br>“你来了。”</p></body></html>`
	got := CleanScript(raw)
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "<p>")
	assert.Contains(t, got, "林夏推开门。")
	assert.Contains(t, got, "她愣住了。\n“你来了。”")
}

func TestCleanScript_Plain(t *testing.T) {
	raw := "\ufeff第一场\r\n\r\n\r\n\r\n林夏\u3000走进茶馆。\r\n- 2 -\r\n第 3 页\r\n结束"
	assert.Equal(t, "第一场\n\n林夏 走进茶馆。\n结束", CleanScript(raw))
}

func TestSplitEpisodes(t *testing.T) {
	text := "人物表：林夏\n\n第一集 重逢\n林夏回到小镇。\n\n第2集\n旧案重启。\n\nEpisode 3: Finale\nThe truth."
	eps := SplitEpisodes(text)
	require.Len(t, eps, 3)

	assert.Equal(t, 1, eps[0].Index)
	assert.Equal(t, "第一集 重逢", eps[0].Title)
	assert.Contains(t, eps[0].Script, "人物表：林夏")
	assert.Contains(t, eps[0].Script, "林夏回到小镇。")

	assert.Equal(t, 2, eps[1].Index)
	assert.Equal(t, "旧案重启。", eps[1].Script)

	assert.Equal(t, 3, eps[2].Index)
	assert.Equal(t, "The truth.", eps[2].Script)
}

func TestSplitEpisodes_NoHeadings(t *testing.T) {
	eps := SplitEpisodes("只有一段剧本。")
	require.Len(t, eps, 1)
	assert.Equal(t, 1, eps[0].Index)
	assert.Equal(t, "只有一段剧本。", eps[0].Script)
	assert.Empty(t, SplitEpisodes("   "))
}

func TestParseChineseNumber(t *testing.T) {
	tests := map[string]int{"一": 1, "十": 10, "十二": 12, "二十": 20, "二十三": 23, "一百零五": 105, "12": 12, "甲": 0}
	for in, want := range tests {
		assert.Equal(t, want, parseChineseNumber(in), in)
	}
}
