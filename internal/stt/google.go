package stt

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamingRecognizeClient is a local interface that wraps the methods we
// need from speechpb.Speech_StreamingRecognizeClient to enable easier testing.
type streamingRecognizeClient interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Google implements Recognizer on top of the Cloud Speech streaming API.
// It relies on Application Default Credentials for authentication.
type Google struct {
	client *speech.Client
}

func NewGoogle(ctx context.Context) (*Google, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Google{client: client}, nil
}

func (g *Google) Close() error {
	return g.client.Close()
}

// Open starts a streaming recognition session. The phrase list is passed as
// a SpeechContext and the command_and_search model is selected, which is as
// close to a hard grammar as the API offers; out-of-grammar text can still
// come back, the consumer filters it.
func (g *Google) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(cfg.SampleRate),
					LanguageCode:    cfg.LanguageCode,
					Model:           "command_and_search",
					SpeechContexts: []*speechpb.SpeechContext{
						{Phrases: cfg.Phrases},
					},
				},
				InterimResults: false,
			},
		},
	}
	if err := stream.Send(req); err != nil {
		_ = stream.CloseSend()
		return nil, err
	}

	s := newGoogleStream(stream)
	go s.recvLoop()
	return s, nil
}

type googleStream struct {
	stream  streamingRecognizeClient
	results chan Command

	mu     sync.Mutex
	closed bool
}

func newGoogleStream(stream streamingRecognizeClient) *googleStream {
	return &googleStream{
		stream:  stream,
		results: make(chan Command, 8),
	}
}

func (s *googleStream) SendAudio(audio []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.mu.Unlock()

	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) Results() <-chan Command { return s.results }

func (s *googleStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.CloseSend()
}

// recvLoop surfaces final results only. Interim results are disabled in the
// stream config, but the guard stays in case the API sends them anyway.
func (s *googleStream) recvLoop() {
	defer close(s.results)
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "stt.google").Msg("recv failed, recognition stopped")
			return
		}
		for _, result := range resp.Results {
			if !result.IsFinal || len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			cmd := Command{
				Text:       strings.ToLower(strings.TrimSpace(alt.Transcript)),
				Confidence: float64(alt.Confidence),
			}
			select {
			case s.results <- cmd:
			default:
				// Only the most recent command matters downstream.
				log.Warn().Str("module", "stt.google").Str("text", cmd.Text).Msg("result channel full, dropping")
			}
		}
	}
}
