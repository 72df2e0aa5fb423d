package speechtotext

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-narrator/core/audio"
)

// ErrNoSpeech is returned when a clip held nothing that could be transcribed.
var ErrNoSpeech = errors.New("no speech in clip")

// Transcriber turns a short recorded reply into text.
type Transcriber interface {
	TranscribeClip(ctx context.Context, clip []byte, opts ...TranscriptionOption) (string, error)
}

type TranscriptionOptions struct {
	// PartialTranscriptionCallback receives every finalized segment as it
	// arrives.
	PartialTranscriptionCallback func(transcript string)

	EncodingInfo audio.EncodingInfo
	Language     string
}

type TranscriptionOption func(*TranscriptionOptions)

func WithPartialTranscriptionCallback(callback func(transcript string)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.PartialTranscriptionCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.EncodingInfo = encodingInfo
	}
}

func WithLanguage(language string) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.Language = language
	}
}
