package schema

import "time"

type ShotType string

const (
	ShotStatic ShotType = "static"
	ShotMotion ShotType = "motion"
)

// Shot is one storyboard unit. Shots are grouped nine at a time into a grid image.
type Shot struct {
	Seq      int      `json:"seq"`
	Duration float64  `json:"duration"`
	ShotType ShotType `json:"shotType"`

	Foreground string `json:"foreground,omitempty"`
	Midground  string `json:"midground,omitempty"`
	Background string `json:"background,omitempty"`
	Angle      string `json:"angle,omitempty"`
	CameraMove string `json:"cameraMove,omitempty"`

	Story      string   `json:"story"`
	Dialogue   string   `json:"dialogue,omitempty"`
	Characters []string `json:"characters,omitempty"`
	SceneID    string   `json:"sceneId,omitempty"`

	ImagePromptCN string `json:"imagePromptCn,omitempty"`
	ImagePromptEN string `json:"imagePromptEn,omitempty"`
	VideoPromptCN string `json:"videoPromptCn,omitempty"`
	VideoPromptEN string `json:"videoPromptEn,omitempty"`

	StoryboardGridURL            string    `json:"storyboardGridUrl,omitempty"`
	StoryboardGridCellIndex      *int      `json:"storyboardGridCellIndex,omitempty"`
	StoryboardGridGenerationMeta *GridMeta `json:"storyboardGridGenerationMeta,omitempty"`
	// StoryboardGridAppliedAt is set together with StoryboardGridURL. A pending task created after
	// this instant means the grid is being regenerated.
	StoryboardGridAppliedAt string `json:"storyboardGridAppliedAt,omitempty"`
}

// GridMeta points at an image task whose result has not been written back to the shots yet.
type GridMeta struct {
	TaskCode      string `json:"taskCode"`
	TaskCreatedAt string `json:"taskCreatedAt"`
	GridIndex     int    `json:"gridIndex"`
}

// CreatedAt parses TaskCreatedAt. ok is false for empty or malformed timestamps.
func (m GridMeta) CreatedAt() (t time.Time, ok bool) {
	if m.TaskCreatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, m.TaskCreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CloneShots copies the slice and the pointer fields so callers can mutate the result freely.
func CloneShots(in []Shot) []Shot {
	if in == nil {
		return nil
	}
	out := make([]Shot, len(in))
	for i, s := range in {
		if s.StoryboardGridCellIndex != nil {
			v := *s.StoryboardGridCellIndex
			s.StoryboardGridCellIndex = &v
		}
		if s.StoryboardGridGenerationMeta != nil {
			m := *s.StoryboardGridGenerationMeta
			s.StoryboardGridGenerationMeta = &m
		}
		if s.Characters != nil {
			s.Characters = append([]string(nil), s.Characters...)
		}
		out[i] = s
	}
	return out
}
