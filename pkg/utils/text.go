package utils

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

type levRows struct {
	prev []int
	curr []int
}

var rowsPool = sync.Pool{
	New: func() any {
		return &levRows{
			prev: make([]int, 0, 256),
			curr: make([]int, 0, 256),
		}
	},
}

// Levenshtein returns the edit distance between two strings, counted in runes.
func Levenshtein(a, b string) int {
	ar, br := []rune(a), []rune(b)
	al, bl := len(ar), len(br)
	if al == 0 {
		return bl
	}
	if bl == 0 {
		return al
	}

	if bl > al {
		ar, br = br, ar
		al, bl = bl, al
	}

	rows := rowsPool.Get().(*levRows)
	defer rowsPool.Put(rows)
	rows.prev = grow(rows.prev, bl+1)
	rows.curr = grow(rows.curr, bl+1)

	for j := 0; j <= bl; j++ {
		rows.prev[j] = j
	}

	for i := 1; i <= al; i++ {
		rows.curr[0] = i
		for j := 1; j <= bl; j++ {
			cost := 0
			if ar[i-1] != br[j-1] {
				cost = 1
			}
			rows.curr[j] = min(rows.prev[j]+1, rows.curr[j-1]+1, rows.prev[j-1]+cost)
		}
		rows.prev, rows.curr = rows.curr, rows.prev
	}

	return rows.prev[bl]
}

func grow(s []int, n int) []int {
	if cap(s) < n {
		return make([]int, n)
	}
	return s[:n]
}

// Similarity returns a float between 0 and 1 (1 = identical).
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" && b == "" {
		return 1.0
	}
	dist := Levenshtein(a, b)
	maxLen := float64(max(utf8.RuneCountInString(a), utf8.RuneCountInString(b)))
	if maxLen == 0 {
		return 0
	}
	return 1.0 - float64(dist)/maxLen
}

var paragraphRX = regexp.MustCompile(`\n{2,}`)

// ChunkText packs text into pieces of at most limit runes, preferring paragraph breaks, then line
// breaks, then sentence ends, and cutting mid-sentence only when nothing else fits.
func ChunkText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= limit {
		return []string{text}
	}

	var blocks []string
	var joiner string
	switch {
	case paragraphRX.MatchString(text):
		blocks = paragraphRX.Split(text, -1)
		joiner = "\n\n"
	case strings.Contains(text, "\n"):
		blocks = strings.Split(text, "\n")
		joiner = "\n"
	default:
		blocks = []string{text}
		joiner = " "
	}

	var out []string
	cur := ""
	add := func(piece string) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			return
		}
		switch {
		case cur == "":
			cur = piece
		case runeLen(cur)+runeLen(joiner)+runeLen(piece) <= limit:
			cur += joiner + piece
		default:
			out = append(out, cur)
			cur = piece
		}
	}

	for _, b := range blocks {
		if runeLen(strings.TrimSpace(b)) <= limit {
			add(b)
			continue
		}
		for _, p := range splitSentences(b, limit) {
			add(p)
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '…', '.', '!', '?', ';', '；':
		return true
	}
	return false
}

// splitSentences cuts s into pieces of at most limit runes at the last sentence end or space
// before the limit.
func splitSentences(s string, limit int) []string {
	s = strings.TrimSpace(s)
	var parts []string
	for s != "" {
		if runeLen(s) <= limit {
			parts = append(parts, s)
			break
		}
		cut := lastBreakBeforeRuneLimit(s, limit)
		if cut <= 0 {
			cut = byteIndexAtRunePos(s, limit)
		}
		parts = append(parts, strings.TrimSpace(s[:cut]))
		s = strings.TrimLeftFunc(s[cut:], unicode.IsSpace)
	}
	return parts
}

// lastBreakBeforeRuneLimit returns the byte offset just after the last sentence end, or at the
// last space, within the first limit runes.
func lastBreakBeforeRuneLimit(s string, limit int) int {
	rc := 0
	sentence, space := -1, -1
	for i, r := range s {
		if rc >= limit {
			break
		}
		switch {
		case isSentenceEnd(r):
			sentence = i + utf8.RuneLen(r)
		case unicode.IsSpace(r):
			space = i
		}
		rc++
	}
	if sentence > 0 {
		return sentence
	}
	return space
}

func byteIndexAtRunePos(s string, pos int) int {
	if pos <= 0 {
		return 0
	}
	i := 0
	for pos > 0 && i < len(s) {
		_, sz := utf8.DecodeRuneInString(s[i:])
		i += sz
		pos--
	}
	return i
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
