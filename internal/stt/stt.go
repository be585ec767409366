// Package stt defines the contract with an external speech recognizer.
// The engine never does transcription itself; it streams control-leg audio
// into a Stream and consumes recognized commands.
package stt

import "context"

// Command is a single recognized utterance.
type Command struct {
	Text       string
	Confidence float64
}

// StreamConfig holds the recognition parameters for one control leg.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g. 16000).
	SampleRate int

	// LanguageCode for recognition (e.g. "en-US").
	LanguageCode string

	// Phrases constrains the vocabulary; recognizers that cannot enforce
	// a hard grammar use these as strong hints and the caller filters.
	Phrases []string
}

// Recognizer opens continuous recognition streams.
type Recognizer interface {
	// Open starts a multi-utterance recognition stream. It stays open
	// until Close or ctx cancellation.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	// SendAudio feeds raw audio matching StreamConfig to the recognizer.
	SendAudio(audio []byte) error

	// Results delivers recognized commands until the stream closes.
	Results() <-chan Command

	// Close stops recognition and releases the stream. Audio writers
	// must be stopped before calling Close.
	Close() error
}
