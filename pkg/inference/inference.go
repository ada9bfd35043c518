package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"

	"storyboard/pkg/schema"
)

// Inferencer defines an interface for running model inference.
type Inferencer interface {
	Infer(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string) (string, error)
	// Stream behaves like Infer but calls onDelta with every text chunk as it arrives. The returned
	// string is everything received, even when the stream broke off with an error.
	Stream(ctx context.Context, params *openai.ChatCompletionNewParams, system, user string, onDelta func(string)) (string, error)
}

// classify turns provider auth and quota failures into the shared sentinels so callers can stop
// retrying.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	status := 0
	message := err.Error()

	var oaiErr *openai.Error
	var genaiErr genai.APIError
	switch {
	case errors.As(err, &oaiErr):
		status = oaiErr.StatusCode
		message = oaiErr.Message
	case errors.As(err, &genaiErr):
		status = genaiErr.Code
		message = genaiErr.Message
	}

	text := strings.ToLower(message + " " + err.Error())
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", provider, schema.ErrUnauthorized, message)
	case status == http.StatusPaymentRequired,
		strings.Contains(text, "insufficient balance"),
		strings.Contains(text, "insufficient_quota"):
		return fmt.Errorf("%s: %w: %s", provider, schema.ErrInsufficientBalance, message)
	}
	return fmt.Errorf("%s inference error: %w", provider, err)
}
