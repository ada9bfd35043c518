// Package jsonfix turns raw model output into typed, validated values.
//
// Models wrap JSON in prose, markdown fences and reasoning blocks, switch to full-width punctuation,
// and get cut off mid-object when a stream ends early. Extract finds the last complete top-level
// JSON value; Repair is the best-effort recovery used only when no complete value exists.
package jsonfix

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var ErrNoJSON = errors.New("no JSON value found")

// ParseError keeps the raw model output so it can be shown to the user.
type ParseError struct {
	Raw      string
	Repaired bool
	Err      error
}

func (e *ParseError) Error() string {
	if e.Repaired {
		return fmt.Sprintf("parse model output (after repair): %v", e.Err)
	}
	return fmt.Sprintf("parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode cleans raw, extracts the JSON value and unmarshals it into T. Struct results are checked
// against their validate tags.
func Decode[T any](raw string) (T, error) {
	var zero T
	text, repaired, err := Extract(raw)
	if err != nil {
		return zero, &ParseError{Raw: raw, Err: err}
	}

	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return zero, &ParseError{Raw: raw, Repaired: repaired, Err: err}
	}
	if err := Validate(v); err != nil {
		return zero, &ParseError{Raw: raw, Repaired: repaired, Err: err}
	}
	return v, nil
}

// Validate runs struct validation on v when v is a struct or a pointer to one.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(rv.Interface())
}

// Extract returns the last complete top-level JSON object or array in raw. When the output holds
// only a truncated value, the repaired value is returned with repaired set.
func Extract(raw string) (text string, repaired bool, err error) {
	s := Clean(raw)
	spans, openAt := scanValues(s)
	for i := len(spans) - 1; i >= 0; i-- {
		candidate := s[spans[i][0]:spans[i][1]]
		if json.Valid([]byte(candidate)) {
			return candidate, false, nil
		}
	}
	if openAt < 0 {
		return "", false, ErrNoJSON
	}
	fixed, ok := Repair(s[openAt:])
	if !ok {
		return "", false, ErrNoJSON
	}
	return fixed, true, nil
}

// scanValues returns the [start,end) spans of complete top-level values and the start of a trailing
// unterminated value, or -1.
func scanValues(s string) (spans [][2]int, openAt int) {
	openAt = -1
	var stack []byte
	inString, escaped := false, false
	start := -1
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
			if len(stack) > 0 {
				inString = true
			}
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 || !matches(stack[len(stack)-1], c) {
				// Stray closer: drop whatever was open and start over.
				stack = stack[:0]
				start = -1
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && start >= 0 {
				spans = append(spans, [2]int{start, i + 1})
				start = -1
			}
		}
	}
	if len(stack) > 0 && start >= 0 {
		openAt = start
	}
	return spans, openAt
}

func matches(open, closer byte) bool {
	return (open == '{' && closer == '}') || (open == '[' && closer == ']')
}

var noiseReplacer = strings.NewReplacer(
	"```json", "",
	"```JSON", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// Clean strips reasoning blocks, markdown fences, invisible characters, and normalises full-width
// punctuation that appears outside of strings.
func Clean(s string) string {
	if idx := strings.LastIndex(s, "</think>"); idx != -1 {
		s = s[idx+len("</think>"):]
	}
	s = noiseReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return normalizePunctuation(strings.TrimSpace(s))
}

var structural = map[rune]rune{
	'：': ':',
	'，': ',',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

var quotePairs = map[rune]rune{
	'“': '”',
	'「': '」',
	'『': '』',
}

// normalizePunctuation rewrites full-width structural punctuation and curly quotes used as string
// delimiters. Text inside ASCII strings is left alone.
func normalizePunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	closing := '"'
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == closing:
				inString = false
				b.WriteRune('"')
			case r == '"' && closing != '"':
				// An ASCII quote inside a curly-quoted string must be escaped once the delimiters change.
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
			continue
		}
		if repl, ok := structural[r]; ok {
			b.WriteRune(repl)
			continue
		}
		if c, ok := quotePairs[r]; ok {
			inString, closing = true, c
			b.WriteRune('"')
			continue
		}
		if r == '"' {
			inString, closing = true, '"'
		}
		b.WriteRune(r)
	}
	return b.String()
}
