package memory

import "errors"

var (
	ErrInvalidCredential  = errors.New("invalid or missing API key")
	ErrHistoryFetch       = errors.New("history fetch failed")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrUpstreamAPI        = errors.New("upstream API error")
	ErrCompletionFailed   = errors.New("completion failed")
	ErrEmptyContent       = errors.New("empty content")
	ErrMalformedJSON      = errors.New("malformed JSON")
	ErrInvalidShape       = errors.New("invalid response shape")
)
