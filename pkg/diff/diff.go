package diff

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

type ChangeType int

const (
	Unchanged ChangeType = iota
	Added
	Removed
	Modified
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	}
	return "unchanged"
}

func (c ChangeType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

type Op int

const (
	Equal Op = iota
	Insert
	Delete
)

type WordDelta struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

type StringDiff struct {
	Old    string      `json:"old"`
	New    string      `json:"new"`
	Deltas []WordDelta `json:"deltas"`
}

type FieldDiff struct {
	Path string     `json:"path"`
	Str  StringDiff `json:"diff"`
}

type ShotDiff struct {
	Seq        int         `json:"seq"`
	State      ChangeType  `json:"state"`
	FieldDiffs []FieldDiff `json:"fields,omitempty"`
}

// Shots pairs shots by Seq and reports the text fields that changed. Unchanged shots are omitted.
func Shots(oldS, newS []schema.Shot) []ShotDiff {
	omap := make(map[int]schema.Shot, len(oldS))
	nmap := make(map[int]schema.Shot, len(newS))
	keys := map[int]struct{}{}
	for _, s := range oldS {
		omap[s.Seq] = s
		keys[s.Seq] = struct{}{}
	}
	for _, s := range newS {
		nmap[s.Seq] = s
		keys[s.Seq] = struct{}{}
	}

	var out []ShotDiff
	for seq := range keys {
		o, okO := omap[seq]
		n, okN := nmap[seq]
		switch {
		case okO && !okN:
			out = append(out, ShotDiff{Seq: seq, State: Removed})
		case !okO && okN:
			var fd []FieldDiff
			for _, f := range shotFields(n) {
				if f.value != "" {
					fd = append(fd, FieldDiff{Path: f.path, Str: strEq("", f.value)})
				}
			}
			out = append(out, ShotDiff{Seq: seq, State: Added, FieldDiffs: fd})
		default:
			of, nf := shotFields(o), shotFields(n)
			var fd []FieldDiff
			for i := range of {
				if of[i].value != nf[i].value {
					fd = append(fd, FieldDiff{Path: of[i].path, Str: strDiff(of[i].value, nf[i].value)})
				}
			}
			if len(fd) > 0 {
				out = append(out, ShotDiff{Seq: seq, State: Modified, FieldDiffs: fd})
			}
		}
	}
	slices.SortFunc(out, func(a, b ShotDiff) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

type field struct {
	path  string
	value string
}

func shotFields(s schema.Shot) []field {
	return []field{
		{"Duration", strconv.FormatFloat(s.Duration, 'f', -1, 64)},
		{"ShotType", string(s.ShotType)},
		{"Foreground", s.Foreground},
		{"Midground", s.Midground},
		{"Background", s.Background},
		{"Angle", s.Angle},
		{"CameraMove", s.CameraMove},
		{"Story", s.Story},
		{"Dialogue", s.Dialogue},
		{"Characters", strings.Join(s.Characters, ", ")},
		{"SceneID", s.SceneID},
	}
}

func strEq(a, b string) StringDiff {
	return StringDiff{Old: a, New: b, Deltas: []WordDelta{{Op: Insert, Text: b}}}
}

func strDiff(a, b string) StringDiff {
	if a == b {
		return StringDiff{Old: a, New: b, Deltas: []WordDelta{{Op: Equal, Text: a}}}
	}
	words := utils.DiffWords(a, b)
	deltas := make([]WordDelta, 0, len(words))
	for _, w := range words {
		switch {
		case w.Op < 0:
			deltas = append(deltas, WordDelta{Op: Delete, Text: w.Text})
		case w.Op > 0:
			deltas = append(deltas, WordDelta{Op: Insert, Text: w.Text})
		default:
			deltas = append(deltas, WordDelta{Op: Equal, Text: w.Text})
		}
	}
	return StringDiff{Old: a, New: b, Deltas: coalesce(deltas)}
}

// coalesce joins neighbouring deltas of the same op. Whitespace-only equal runs are folded into the
// run around them.
func coalesce(in []WordDelta) []WordDelta {
	out := make([]WordDelta, 0, len(in))
	flush := func(op Op, buf *strings.Builder) {
		if buf.Len() == 0 {
			return
		}
		out = append(out, WordDelta{Op: op, Text: buf.String()})
		buf.Reset()
	}
	var curOp Op = -1
	var buf strings.Builder
	for _, d := range in {
		if strings.TrimSpace(d.Text) == "" && d.Op == Equal {
			buf.WriteString(d.Text)
			continue
		}
		if curOp != d.Op && curOp != -1 {
			flush(curOp, &buf)
		}
		curOp = d.Op
		buf.WriteString(d.Text)
	}
	flush(curOp, &buf)
	return out
}

const (
	ansiReset = "\x1b[0m"
	fgGreen   = "\x1b[32m"
	fgRed     = "\x1b[31m"
	fgYellow  = "\x1b[33m"
	fgCyan    = "\x1b[36m"
	uline     = "\x1b[4m"
	strike    = "\x1b[9m"
)

func renderStringDiff(sd StringDiff) string {
	var b strings.Builder
	for _, d := range sd.Deltas {
		switch d.Op {
		case Equal:
			b.WriteString(d.Text)
		case Insert:
			fmt.Fprintf(&b, "%s%s%s%s", fgGreen, uline, d.Text, ansiReset)
		case Delete:
			fmt.Fprintf(&b, "%s%s%s%s", fgRed, strike, d.Text, ansiReset)
		}
	}
	return b.String()
}

// Print writes a colored, human readable rendering of diffs to w.
func Print(w io.Writer, diffs []ShotDiff) {
	if len(diffs) == 0 {
		return
	}
	fmt.Fprintln(w, fgCyan+"Shots"+ansiReset)
	for _, d := range diffs {
		tag := map[ChangeType]string{
			Added:    fgGreen + "[+]" + ansiReset,
			Removed:  fgRed + "[-]" + ansiReset,
			Modified: fgYellow + "[~]" + ansiReset,
		}[d.State]
		fmt.Fprintf(w, "  %s #%d\n", tag, d.Seq)
		for _, f := range d.FieldDiffs {
			fmt.Fprintf(w, "    %s: %s\n", f.Path, renderStringDiff(f.Str))
		}
	}
}
