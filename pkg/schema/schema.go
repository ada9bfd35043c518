package schema

import (
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
)

func generateSchema[T any]() any {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return r.Reflect(v)
}

var (
	ScriptAnalysisSchema      = generateSchema[ScriptAnalysis]()
	VisualStrategySchema      = generateSchema[VisualStrategy]()
	ShotPlanSchema            = generateSchema[ShotPlan]()
	ShotDesignSchema          = generateSchema[ShotDesignBatch]()
	QualityReviewSchema       = generateSchema[QualityReview]()
	PromptBatchSchema         = generateSchema[PromptBatch]()
	CharacterExtractionSchema = generateSchema[CharacterExtraction]()
	SceneExtractionSchema     = generateSchema[SceneExtraction]()
	CharacterSupplementSchema = generateSchema[CharacterSupplement]()
)

// ResponseFormat wraps a generated schema as a strict structured-output response format.
func ResponseFormat(name, description string, schema any) openai.ChatCompletionNewParamsResponseFormatUnion {
	p := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        name,
		Description: openai.String(description),
		Schema:      schema,
		Strict:      openai.Bool(true),
	}
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: p},
	}
}
