package stt

import (
	"context"
	"sync"
)

// Noop is a recognizer that never recognizes anything. Used when no real
// backend is configured: callers keep their bridge, they just cannot
// navigate by voice.
type Noop struct{}

func (Noop) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	s := &noopStream{results: make(chan Command)}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

type noopStream struct {
	results chan Command
	once    sync.Once
}

func (s *noopStream) SendAudio(audio []byte) error { return nil }

func (s *noopStream) Results() <-chan Command { return s.results }

func (s *noopStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}
