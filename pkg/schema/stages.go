package schema

// Payloads returned by the model for each step of the shot-list chain. The jsonschema tags feed the
// structured-output schema; the validate tags are checked after decoding.

type ScriptAnalysis struct {
	Summary    string   `json:"summary" validate:"required" jsonschema_description:"Two or three sentence synopsis of the episode"`
	Genre      string   `json:"genre" jsonschema_description:"Genre of the episode (e.g. 古装, 都市, 悬疑)"`
	Tone       string   `json:"tone" jsonschema_description:"Overall emotional tone"`
	Beats      []Beat   `json:"beats" validate:"required,min=1,dive" jsonschema_description:"Ordered story beats covering the whole script"`
	Characters []string `json:"characters" jsonschema_description:"Names of characters appearing in this episode"`
	Scenes     []string `json:"scenes" jsonschema_description:"Names of locations used in this episode"`
}

type Beat struct {
	Index      int      `json:"index" jsonschema_description:"1-based beat number"`
	Summary    string   `json:"summary" validate:"required" jsonschema_description:"What happens in this beat"`
	Scene      string   `json:"scene,omitempty" jsonschema_description:"Location name"`
	Characters []string `json:"characters,omitempty" jsonschema_description:"Characters on screen"`
	Emotion    string   `json:"emotion,omitempty" jsonschema_description:"Dominant emotion of the beat"`
}

type VisualStrategy struct {
	Style          string   `json:"style" validate:"required" jsonschema_description:"Visual style keywords"`
	ColorPalette   []string `json:"color_palette" jsonschema_description:"Key colours"`
	Lighting       string   `json:"lighting" jsonschema_description:"Lighting approach"`
	CameraLanguage string   `json:"camera_language" jsonschema_description:"Preferred framing and movement vocabulary"`
	Pacing         string   `json:"pacing" jsonschema_description:"Cutting rhythm"`
	Motifs         []string `json:"motifs" jsonschema_description:"Recurring visual motifs"`
}

type ShotPlan struct {
	Shots []PlannedShot `json:"shots" validate:"required,min=1,dive" jsonschema_description:"Every planned shot in order"`
}

type PlannedShot struct {
	Seq      int     `json:"seq" validate:"min=1" jsonschema_description:"1-based shot number"`
	Beat     int     `json:"beat" jsonschema_description:"Beat index this shot belongs to"`
	Duration float64 `json:"duration" validate:"gt=0" jsonschema_description:"Duration in seconds"`
	ShotType string  `json:"shot_type" validate:"oneof=static motion" jsonschema:"enum=static,enum=motion" jsonschema_description:"static or motion"`
	Purpose  string  `json:"purpose" validate:"required" jsonschema_description:"What the shot must show"`
}

type ShotDesignBatch struct {
	Shots []DesignedShot `json:"shots" validate:"required,min=1,dive" jsonschema_description:"Detailed design of each requested shot"`
}

type DesignedShot struct {
	Seq        int      `json:"seq" validate:"min=1" jsonschema_description:"Shot number from the plan"`
	Foreground string   `json:"foreground" jsonschema_description:"Foreground elements"`
	Midground  string   `json:"midground" jsonschema_description:"Subject and action in the midground"`
	Background string   `json:"background" jsonschema_description:"Background and environment"`
	Angle      string   `json:"angle" jsonschema_description:"Camera angle and shot size"`
	CameraMove string   `json:"camera_move" jsonschema_description:"Camera movement, or 固定 for a static camera"`
	Story      string   `json:"story" validate:"required" jsonschema_description:"Story beat text for this shot"`
	Dialogue   string   `json:"dialogue,omitempty" jsonschema_description:"Spoken line, if any"`
	Characters []string `json:"characters,omitempty" jsonschema_description:"Character names on screen"`
	Scene      string   `json:"scene,omitempty" jsonschema_description:"Location name"`
}

type QualityReview struct {
	Score   int            `json:"score" validate:"min=0,max=100" jsonschema_description:"Overall quality score 0-100"`
	Issues  []ReviewIssue  `json:"issues" jsonschema_description:"Problems found"`
	Revised []DesignedShot `json:"revised" validate:"dive" jsonschema_description:"Only the shots that were changed, with all fields filled"`
}

type ReviewIssue struct {
	Seq     int    `json:"seq" jsonschema_description:"Shot number"`
	Problem string `json:"problem" jsonschema_description:"What is wrong"`
	Fix     string `json:"fix" jsonschema_description:"How it was fixed"`
}

type PromptBatch struct {
	Prompts []ShotPrompt `json:"prompts" validate:"required,min=1,dive"`
}

type ShotPrompt struct {
	Seq           int    `json:"seq" validate:"min=1"`
	ImagePromptCN string `json:"image_prompt_cn" validate:"required"`
	ImagePromptEN string `json:"image_prompt_en" validate:"required"`
	VideoPromptCN string `json:"video_prompt_cn"`
	VideoPromptEN string `json:"video_prompt_en"`
}

type CharacterExtraction struct {
	Characters []ExtractedCharacter `json:"characters" validate:"dive"`
}

type ExtractedCharacter struct {
	Name       string   `json:"name" validate:"required" jsonschema_description:"Canonical character name"`
	Aliases    []string `json:"aliases" jsonschema_description:"Nicknames or titles used for this character"`
	Gender     string   `json:"gender" jsonschema_description:"male, female or unknown"`
	Appearance string   `json:"appearance" jsonschema_description:"Physical description stated in the script"`
	Identity   string   `json:"identity" jsonschema_description:"Role or social identity"`
}

type SceneExtraction struct {
	Scenes []ExtractedScene `json:"scenes" validate:"dive"`
}

type ExtractedScene struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	TimeOfDay   string `json:"time_of_day"`
	Atmosphere  string `json:"atmosphere"`
}

// CharacterSupplement is the union of fields a supplement step may return. Empty fields are left as
// they were.
type CharacterSupplement struct {
	Appearance        map[string]string `json:"appearance,omitempty"`
	Costume           *CostumeConfig    `json:"costume,omitempty"`
	Forms             []Form            `json:"forms,omitempty"`
	Quote             string            `json:"quote,omitempty"`
	Abilities         string            `json:"abilities,omitempty"`
	IdentityEvolution string            `json:"identity_evolution,omitempty"`
}
