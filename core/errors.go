package narration

import "errors"

var (
	// ErrGenerationFailure wraps every synthesis error. The degrade path
	// absorbs it; it only surfaces in logs and spans.
	ErrGenerationFailure = errors.New("speech generation failed")
	// ErrSourceUnavailable means a response could not reach its source and
	// was retained for redelivery.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrTimeout is the reason attached to a repeated blocking announcement.
	ErrTimeout = errors.New("response timed out")

	ErrNoTranscriber = errors.New("no transcriber configured")
	ErrClosed        = errors.New("narrator closed")
)
