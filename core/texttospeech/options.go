package texttospeech

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("no text to synthesize")

// Speech is a synthesized clip written to the audio cache.
type Speech struct {
	// Path is the absolute path of the cached audio file.
	Path     string
	Duration time.Duration
}

// Synthesizer turns a piece of text into a cached audio file. Implementations
// must stop and return when ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts ...SynthesisOption) (Speech, error)
}

type SynthesisOptions struct {
	// FileName is the name of the cached file, without directory. Clients
	// generate one when it is empty.
	FileName string
	Voice    string
	Language string
	// Instruct is passed to servers that accept style instructions.
	Instruct string
}

type SynthesisOption func(*SynthesisOptions)

func WithFileName(name string) SynthesisOption {
	return func(o *SynthesisOptions) { o.FileName = name }
}

func WithVoice(voice string) SynthesisOption {
	return func(o *SynthesisOptions) { o.Voice = voice }
}

func WithLanguage(language string) SynthesisOption {
	return func(o *SynthesisOptions) { o.Language = language }
}

func WithInstruct(instruct string) SynthesisOption {
	return func(o *SynthesisOptions) { o.Instruct = instruct }
}

func ApplyOptions(opts ...SynthesisOption) SynthesisOptions {
	options := SynthesisOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
