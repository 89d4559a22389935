package politeness

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// classify maps an engine error onto the FetchError taxonomy.
func classify(rawURL string, err error) *harvest.FetchError {
	var fetchErr *harvest.FetchError
	if errors.As(err, &fetchErr) {
		out := *fetchErr
		if out.URL == "" {
			out.URL = rawURL
		}
		return &out
	}

	kind := harvest.FetchConnectionFailed
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = harvest.FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = harvest.FetchTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		kind = harvest.FetchConnectionFailed
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		kind = harvest.FetchTimeout
	}
	return &harvest.FetchError{Kind: kind, URL: rawURL, Err: err}
}
