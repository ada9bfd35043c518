package imageutil

import (
	"errors"
	"net/http"
	"time"
)

// NewHTTPClient returns a client for image downloads. Replayable requests (GET/HEAD without body)
// are retried up to retries times on transport errors.
func NewHTTPClient(timeout time.Duration, retries int) *http.Client {
	return &http.Client{
		Transport: &retryTransport{Base: http.DefaultTransport, RetryMax: retries},
		Timeout:   timeout,
	}
}

type retryTransport struct {
	Base     http.RoundTripper
	RetryMax int
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}
	attempts := 1
	if (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil {
		attempts += max(t.RetryMax, 0)
	}

	var lastErr error
	for range attempts {
		resp, err := t.Base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			break
		}
	}
	return nil, lastErr
}
