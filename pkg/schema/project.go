package schema

import "time"

type Project struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Settings   Settings    `json:"settings"`
	Characters []Character `json:"characters"`
	Scenes     []Scene     `json:"scenes"`
	Episodes   []Episode   `json:"episodes,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

type Settings struct {
	Era         string `json:"era,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	BeautyLevel string `json:"beautyLevel,omitempty"`
	Model       string `json:"model,omitempty"`
}

type Episode struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	Script    string    `json:"script"`
	Shots     []Shot    `json:"shots"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Character struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Aliases    []string          `json:"aliases,omitempty"`
	Gender     string            `json:"gender,omitempty"`
	Appearance map[string]string `json:"appearance,omitempty"`
	Costume    *CostumeConfig    `json:"costume,omitempty"`
	Forms      []Form            `json:"forms,omitempty"`

	Quote             string `json:"quote,omitempty"`
	Abilities         string `json:"abilities,omitempty"`
	IdentityEvolution string `json:"identityEvolution,omitempty"`
}

type CostumeConfig struct {
	Era         string   `json:"era,omitempty"`
	Top         string   `json:"top,omitempty"`
	Bottom      string   `json:"bottom,omitempty"`
	Accessories []string `json:"accessories,omitempty"`
	Colors      []string `json:"colors,omitempty"`
	Temperament string   `json:"temperament,omitempty"`
}

// Form is an alternate state of a character, e.g. injured or disguised.
type Form struct {
	Name        string `json:"name"`
	Trigger     string `json:"trigger,omitempty"`
	Description string `json:"description"`
}

type Scene struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TimeOfDay   string `json:"timeOfDay,omitempty"`
	Atmosphere  string `json:"atmosphere,omitempty"`
}
