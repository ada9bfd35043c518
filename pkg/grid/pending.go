package grid

import (
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"storyboard/pkg/schema"
)

// Applied reports which grids already have their image written to the shots. A grid with a newer
// pending task than its last apply is being regenerated and does not count. Shots written before
// StoryboardGridAppliedAt existed count as applied whenever they carry a URL.
func Applied(shots []schema.Shot) map[int]bool {
	appliedAt := make(map[int]time.Time)
	applied := make(map[int]bool)
	for i, s := range shots {
		if s.StoryboardGridURL == "" {
			continue
		}
		g, _ := Index(i)
		applied[g] = true
		if t, err := time.Parse(time.RFC3339Nano, s.StoryboardGridAppliedAt); err == nil && t.After(appliedAt[g]) {
			appliedAt[g] = t
		}
	}

	for _, meta := range latestMeta(shots) {
		if !applied[meta.GridIndex] {
			continue
		}
		at, ok := appliedAt[meta.GridIndex]
		if !ok {
			continue
		}
		if created, ok := meta.CreatedAt(); ok && created.After(at) {
			delete(applied, meta.GridIndex)
		}
	}
	return applied
}

// Pending returns, one per grid and ordered by grid index, the most recent unresolved task of
// every grid that is not applied yet.
func Pending(shots []schema.Shot) []schema.GridMeta {
	applied := Applied(shots)
	latest := latestMeta(shots)

	out := make([]schema.GridMeta, 0, len(latest))
	for g, meta := range latest {
		if applied[g] {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GridIndex < out[j].GridIndex })
	return out
}

func latestMeta(shots []schema.Shot) map[int]schema.GridMeta {
	count := Count(len(shots))
	latest := make(map[int]schema.GridMeta)
	for _, s := range shots {
		meta := s.StoryboardGridGenerationMeta
		if meta == nil || meta.TaskCode == "" {
			continue
		}
		if meta.GridIndex < 0 || meta.GridIndex >= count {
			log.Warn("ignoring task for grid out of range", "task", meta.TaskCode, "grid", meta.GridIndex, "grids", count)
			continue
		}
		cur, ok := latest[meta.GridIndex]
		if !ok || newer(*meta, cur) {
			latest[meta.GridIndex] = *meta
		}
	}
	return latest
}

// newer reports whether a was created after b. Unparseable timestamps lose to parseable ones; two
// unparseable timestamps keep the first one seen.
func newer(a, b schema.GridMeta) bool {
	ta, okA := a.CreatedAt()
	tb, okB := b.CreatedAt()
	switch {
	case !okA:
		return false
	case !okB:
		return true
	default:
		return ta.After(tb)
	}
}

// WithMeta returns a copy of shots with meta attached to every shot of meta.GridIndex.
func WithMeta(shots []schema.Shot, meta schema.GridMeta) []schema.Shot {
	out := schema.CloneShots(shots)
	start, end := Bounds(meta.GridIndex, len(out))
	for i := start; i < end; i++ {
		m := meta
		out[i].StoryboardGridGenerationMeta = &m
	}
	return out
}
