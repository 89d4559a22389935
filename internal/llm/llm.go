// Package llm holds what the language-model adapters share: their settings
// and the mapping from transport failures onto ExternalServiceError kinds.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// Config describes one language-model service.
type Config struct {
	Service      string
	Model        string
	APIURL       string
	APIKey       string
	MaxGenTokens int
	Temperature  float64
	Timeout      time.Duration
}

// StatusError builds the classified error for a non-success HTTP reply.
func StatusError(service string, code int, body string) error {
	kind := harvest.ServiceUnavailable
	if code == http.StatusTooManyRequests {
		kind = harvest.ServiceRateLimited
	}
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	return &harvest.ExternalServiceError{
		Service: service,
		Kind:    kind,
		Err:     fmt.Errorf("status %d: %s", code, body),
	}
}

// TransportError classifies a failure to reach the service at all.
func TransportError(service string, err error) error {
	kind := harvest.ServiceUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = harvest.ServiceTimeout
	}
	return &harvest.ExternalServiceError{Service: service, Kind: kind, Err: err}
}

// Malformed reports a reply that could not be understood.
func Malformed(service string, err error) error {
	return &harvest.ExternalServiceError{Service: service, Kind: harvest.ServiceMalformedResponse, Err: err}
}

// CleanJSONBlock removes markdown code fences models like to wrap JSON in.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
