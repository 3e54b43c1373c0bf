package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"convert-gateway/constant"
)

// Transcriber converts audio or video bytes to text by calling an external
// speech-to-text service. Video inputs are first reduced to an mp3 track
// with ffmpeg.
type Transcriber struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewTranscriber(endpoint, apiKey string) *Transcriber {
	return &Transcriber{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

func (t *Transcriber) Kind() constant.JobKind {
	return constant.JobKindMediaToText
}

func (t *Transcriber) Convert(ctx context.Context, input []byte, opts Options) ([]byte, string, error) {
	contentType := opts.ContentType
	if strings.HasPrefix(contentType, "video/") {
		audio, err := extractAudio(ctx, input)
		if err != nil {
			return nil, "", err
		}
		input = audio
		contentType = "audio/mpeg"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(input))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", contentType)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Token "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", ErrTimeout
		}
		return nil, "", fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, "", ErrUnsupportedFormat
	case resp.StatusCode >= 300:
		return nil, "", fmt.Errorf("transcribe capability: status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", fmt.Errorf("decode transcript: %w", err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return nil, "", fmt.Errorf("transcribe capability: empty transcript")
	}

	return []byte(parsed.Text), "text/plain; charset=utf-8", nil
}

// extractAudio strips the video track the way the original processor did:
// mp3 at 192k/44100.
func extractAudio(ctx context.Context, input []byte) ([]byte, error) {
	tempDir, err := os.MkdirTemp("", "extract-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)

	inputPath := filepath.Join(tempDir, "input")
	outputPath := filepath.Join(tempDir, "audio.mp3")
	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", inputPath,
		"-vn",
		"-acodec", "mp3",
		"-ab", "192k",
		"-ar", "44100",
		"-y",
		outputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, errors.Join(ErrUnsupportedFormat, fmt.Errorf("ffmpeg: %s", output))
	}

	return os.ReadFile(outputPath)
}
