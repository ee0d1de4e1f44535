package service

import (
	"errors"
	"fmt"

	"github.com/mapleshot/mapleshot/internal/models"
)

var (
	// ErrUnknownPreset rejects a request before any charge.
	ErrUnknownPreset = errors.New("unknown preset")

	// ErrUnknownStyle rejects a request before any charge.
	ErrUnknownStyle = errors.New("unknown style")

	// ErrInvalidRequest covers missing photo payloads and presets that
	// cannot be served with the configured reference set.
	ErrInvalidRequest = errors.New("invalid generation request")

	// ErrRefsNotAllowed marks presets that need reference images and
	// therefore cannot run on the anonymous preview path.
	ErrRefsNotAllowed = errors.New("preset requires reference images")

	// ErrRateLimited means the anonymous caller used up today's
	// preview allowance.
	ErrRateLimited = errors.New("preview limit reached")

	// ErrUpstreamTimeout means a video operation did not finish within
	// the wall-clock ceiling. The charged credit stays spent.
	ErrUpstreamTimeout = errors.New("generation timed out")

	// ErrUpstreamGeneration is the generic upstream failure surfaced
	// to callers without detail.
	ErrUpstreamGeneration = errors.New("generation failed")
)

// InsufficientCreditsError carries the credit type that was short so
// the caller can offer the matching purchase flow.
type InsufficientCreditsError struct {
	CreditType models.CreditType
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s credits", e.CreditType)
}
