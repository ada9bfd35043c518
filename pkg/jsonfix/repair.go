package jsonfix

import (
	"encoding/json"
	"strings"
)

// Repair is best-effort recovery for a JSON value cut off mid-stream. It first closes the open
// string and containers at the end, then cuts back to the latest element boundary, and only then to
// the latest opening bracket. The first candidate that is valid JSON wins.
func Repair(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", false
	}

	type cut struct {
		at      int
		closers string
	}
	// boundaries follow a complete element; openings sit just inside a container.
	var boundaries, openings []cut
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
			openings = append(openings, cut{at: i + 1, closers: closersFor(stack)})
		case '}', ']':
			if len(stack) == 0 || !matches(stack[len(stack)-1], c) {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				candidate := s[:i+1]
				return candidate, json.Valid([]byte(candidate))
			}
			boundaries = append(boundaries, cut{at: i + 1, closers: closersFor(stack)})
		case ',':
			boundaries = append(boundaries, cut{at: i, closers: closersFor(stack)})
		}
	}

	closers := closersFor(stack)
	tail := s
	if inString {
		if escaped {
			tail = tail[:len(tail)-1]
		}
		if candidate := tail + `"` + closers; json.Valid([]byte(candidate)) {
			return candidate, true
		}
	} else if candidate := strings.TrimRight(tail, " \t\r\n") + closers; json.Valid([]byte(candidate)) {
		return candidate, true
	}

	for _, cuts := range [][]cut{boundaries, openings} {
		for i := len(cuts) - 1; i >= 0; i-- {
			candidate := strings.TrimRight(s[:cuts[i].at], " \t\r\n") + cuts[i].closers
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}
	return "", false
}

func closersFor(stack []byte) string {
	b := make([]byte, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b = append(b, '}')
		} else {
			b = append(b, ']')
		}
	}
	return string(b)
}
