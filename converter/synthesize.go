package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"convert-gateway/constant"
)

// Synthesizer converts text to speech by calling an external TTS service
// that answers with raw mp3 bytes.
type Synthesizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewSynthesizer(endpoint, apiKey string) *Synthesizer {
	return &Synthesizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

func (s *Synthesizer) Kind() constant.JobKind {
	return constant.JobKindTextToAudio
}

func (s *Synthesizer) Convert(ctx context.Context, input []byte, opts Options) ([]byte, string, error) {
	payload, err := json.Marshal(map[string]string{
		"text":     string(input),
		"voice":    opts.Voice,
		"language": opts.Language,
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Token "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", ErrTimeout
		}
		return nil, "", fmt.Errorf("synthesize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnsupportedMediaType {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("synthesize capability: status %d: %s", resp.StatusCode, body)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("synthesize capability: empty audio")
	}

	return audio, "audio/mpeg", nil
}
