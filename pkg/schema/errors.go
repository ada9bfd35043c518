package schema

import "errors"

// Errors shared by the LLM and image clients. Neither is retried: retrying cannot succeed.
var (
	ErrUnauthorized        = errors.New("unauthorized: check the API key")
	ErrInsufficientBalance = errors.New("insufficient account balance")
)

// Permanent reports whether err is an authorization or quota failure.
func Permanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInsufficientBalance)
}
