package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"

	"storyboard/pkg/utils"
)

var (
	htmlRX       = regexp.MustCompile(`(?i)<\s*(p|div|br|span|html|body|h[1-6]|li)\b`)
	pageNumberRX = regexp.MustCompile(`^\s*(第\s*\d+\s*页|-?\s*\d+\s*-?|page\s+\d+(\s+of\s+\d+)?)\s*$`)
	blankRunRX   = regexp.MustCompile(`\n{3,}`)
	episodeRX    = regexp.MustCompile(`(?im)^\s*(?:第\s*([0-9一二三四五六七八九十百零〇两]+)\s*[集话回]|(?:episode|ep)\.?\s*(\d+))[^\n]*$`)
)

var scriptReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"\u3000", " ",
	"\u00a0", " ",
	"\ufeff", "",
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\t", "    ",
)

// CleanScript turns pasted script text (plain or HTML) into normalized plain text.
func CleanScript(raw string) string {
	text := raw
	if htmlRX.MatchString(raw) {
		if t, err := htmlToText(raw); err == nil {
			text = t
		} else {
			log.Warn("failed to parse script HTML, using raw text", "error", err)
		}
	}
	text = scriptReplacer.Replace(text)

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " ")
		if pageNumberRX.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	text = strings.Join(out, "\n")
	text = blankRunRX.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func htmlToText(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return doc.Text(), nil
}

// EpisodeText is one episode cut out of a full script.
type EpisodeText struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Script string `json:"script"`
	Tokens int    `json:"tokens,omitempty"`
}

// SplitEpisodes cuts a script at episode headings (第N集, Episode N, EP N). Text before the first
// heading belongs to the first episode. A script without headings is one episode.
func SplitEpisodes(text string) []EpisodeText {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	locs := episodeRX.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []EpisodeText{withTokens(EpisodeText{Index: 1, Title: "第1集", Script: text})}
	}

	preamble := strings.TrimSpace(text[:locs[0][0]])
	episodes := make([]EpisodeText, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		title := strings.TrimSpace(text[loc[0]:loc[1]])
		body := strings.TrimSpace(text[loc[1]:end])

		index := i + 1
		switch {
		case loc[2] >= 0:
			if n := parseChineseNumber(text[loc[2]:loc[3]]); n > 0 {
				index = n
			}
		case loc[4] >= 0:
			if n, err := strconv.Atoi(text[loc[4]:loc[5]]); err == nil && n > 0 {
				index = n
			}
		}
		if i == 0 && preamble != "" {
			body = preamble + "\n\n" + body
		}
		episodes = append(episodes, withTokens(EpisodeText{Index: index, Title: title, Script: body}))
	}
	return episodes
}

func withTokens(e EpisodeText) EpisodeText {
	if n, err := utils.CountTokens(e.Script); err == nil {
		e.Tokens = n
	}
	return e
}

var chineseDigits = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// parseChineseNumber handles arabic digits and Chinese numerals up to 999.
func parseChineseNumber(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	total, cur := 0, 0
	for _, r := range s {
		switch r {
		case '百':
			total += max(cur, 1) * 100
			cur = 0
		case '十':
			total += max(cur, 1) * 10
			cur = 0
		default:
			d, ok := chineseDigits[r]
			if !ok {
				return 0
			}
			cur = d
		}
	}
	return total + cur
}
