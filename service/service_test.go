package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"convert-gateway/config"
	"convert-gateway/constant"
	"convert-gateway/converter"
	"convert-gateway/queue"
	"convert-gateway/repository"
	"convert-gateway/storage"
	"convert-gateway/worker"
)

type fakeCapability struct {
	kind        constant.JobKind
	output      string
	contentType string
}

func (f *fakeCapability) Kind() constant.JobKind {
	return f.kind
}

func (f *fakeCapability) Convert(ctx context.Context, input []byte, opts converter.Options) ([]byte, string, error) {
	return []byte(f.output), f.contentType, nil
}

func testLimits() config.Limits {
	return config.Limits{
		MaxUploadBytes: 1 << 20,
		MaxTextChars:   5000,
		DedupWindow:    10 * time.Minute,
		LeaseTTL:       time.Minute,
		ConvertTimeout: 10 * time.Second,
		MaxRetries:     3,
		QueueDepth:     16,
		ArtifactTTL:    time.Hour,
		SweepInterval:  time.Minute,
	}
}

type env struct {
	svc   Service
	repo  repository.JobRepository
	store storage.Store
	queue *queue.Queue
}

func newEnv(limits config.Limits) *env {
	repo := repository.NewMemoryRepo()
	store := storage.NewMemoryStore()
	q := queue.New(limits.QueueDepth, limits.LeaseTTL, worker.RequeueOnExpire(repo, limits.MaxRetries))
	return &env{
		svc:   NewService(repo, store, q, nil, limits),
		repo:  repo,
		store: store,
		queue: q,
	}
}

// wavClip fabricates a minimal RIFF/WAVE header so format sniffing sees audio.
func wavClip(payload string) []byte {
	header := []byte("RIFF\x24\x08\x00\x00WAVEfmt ")
	return append(header, []byte(payload)...)
}

// TestSubmitEmptyTextRejected verifies validation fires before any job or
// artifact exists.
func TestSubmitEmptyTextRejected(t *testing.T) {
	e := newEnv(testLimits())

	_, err := e.svc.Submit(context.Background(), constant.JobKindTextToAudio, []byte("   \n"), SubmitOptions{})
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if e.queue.Depth() != 0 {
		t.Fatal("rejected submission reached the queue")
	}
}

// TestSubmitValidation covers the remaining rejection rules.
func TestSubmitValidation(t *testing.T) {
	limits := testLimits()
	e := newEnv(limits)
	ctx := context.Background()

	cases := []struct {
		name  string
		kind  constant.JobKind
		input []byte
		opts  SubmitOptions
	}{
		{"empty media file", constant.JobKindMediaToText, nil, SubmitOptions{}},
		{"non-media upload", constant.JobKindMediaToText, []byte("plain text, not audio"), SubmitOptions{}},
		{"bad voice type", constant.JobKindTextToAudio, []byte("hello"), SubmitOptions{Voice: "robot"}},
		{"text too long", constant.JobKindTextToAudio, []byte(strings.Repeat("a", limits.MaxTextChars+1)), SubmitOptions{}},
		{"unknown kind", constant.JobKind("image-to-text"), []byte("x"), SubmitOptions{}},
	}
	for _, tc := range cases {
		_, err := e.svc.Submit(ctx, tc.kind, tc.input, tc.opts)
		var invalid *ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: error = %v, want ValidationError", tc.name, err)
		}
	}
}

// TestSubmitDedup verifies identical input+kind coalesces inside the window.
func TestSubmitDedup(t *testing.T) {
	e := newEnv(testLimits())
	ctx := context.Background()

	first, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("same text"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("same text"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate submission created job %s, want %s", second.ID, first.ID)
	}
	if e.queue.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1 live entry", e.queue.Depth())
	}

	other, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("different text"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("different input coalesced onto the same job")
	}

	// Same text, different voice is a different conversion.
	voiced, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("same text"), SubmitOptions{Voice: constant.VoiceFemale})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if voiced.ID == first.ID {
		t.Fatal("different voice coalesced onto the same job")
	}
}

// TestSubmitQueueFull verifies backpressure surfaces as a retryable error.
func TestSubmitQueueFull(t *testing.T) {
	limits := testLimits()
	limits.QueueDepth = 1
	e := newEnv(limits)
	ctx := context.Background()

	if _, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("first"), SubmitOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("second"), SubmitOptions{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("error = %v, want ErrQueueFull", err)
	}
}

// TestCancelBeforeClaim verifies an unclaimed job fails with the cancel
// reason and never runs.
func TestCancelBeforeClaim(t *testing.T) {
	e := newEnv(testLimits())
	ctx := context.Background()

	job, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("cancel me"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stored, err := e.svc.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if stored.Status != constant.JobStatusFailed || stored.LastError != constant.ReasonCancelled {
		t.Fatalf("job = (%s, %q), want (FAILED, cancelled)", stored.Status, stored.LastError)
	}

	_, err = e.svc.Result(ctx, job.ID)
	var failed *ResultFailedError
	if !errors.As(err, &failed) || failed.Reason != constant.ReasonCancelled {
		t.Fatalf("result error = %v, want failure with cancel reason", err)
	}
}

// TestResultLifecycle runs the full pipeline for a media clip: pending,
// processing, done, then a downloadable transcript.
func TestResultLifecycle(t *testing.T) {
	limits := testLimits()
	e := newEnv(limits)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(worker.PoolConfig{
		Workers: 2,
		Queue:   e.queue,
		Repo:    e.repo,
		Store:   e.store,
		Converters: []converter.Converter{
			&fakeCapability{
				kind:        constant.JobKindMediaToText,
				output:      "ten seconds of speech, transcribed",
				contentType: "text/plain; charset=utf-8",
			},
		},
		ConvertTimeout: limits.ConvertTimeout,
		LeaseTTL:       limits.LeaseTTL,
		MaxRetries:     limits.MaxRetries,
	})
	go pool.Run(ctx)

	job, err := e.svc.Submit(ctx, constant.JobKindMediaToText, wavClip("ten second clip"), SubmitOptions{Filename: "clip.wav"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != constant.JobStatusPending {
		t.Fatalf("fresh job status = %s, want PENDING", job.Status)
	}

	if _, err := e.svc.Result(ctx, job.ID); !errors.Is(err, ErrPending) {
		t.Fatalf("early result error = %v, want ErrPending", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := e.svc.Status(ctx, job.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if stored.Status == constant.JobStatusDone {
			break
		}
		if stored.Status == constant.JobStatusFailed {
			t.Fatalf("job failed: %s", stored.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", stored.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	result, err := e.svc.Result(ctx, job.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(result.Data) == 0 || string(result.Data) != "ten seconds of speech, transcribed" {
		t.Fatalf("result data = %q", result.Data)
	}
	if result.Filename != "clip.wav" {
		t.Fatalf("result filename = %q, want clip.wav", result.Filename)
	}
}

// TestResultUnknownJob verifies NotFound is terminal and distinct.
func TestResultUnknownJob(t *testing.T) {
	e := newEnv(testLimits())

	_, err := e.svc.Result(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

// TestAudioFilenameRules covers the mp3 naming behavior for synthesis jobs.
func TestAudioFilenameRules(t *testing.T) {
	e := newEnv(testLimits())
	ctx := context.Background()

	job, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("name me"), SubmitOptions{Filename: "greeting"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Filename != "greeting.mp3" {
		t.Fatalf("filename = %q, want greeting.mp3", job.Filename)
	}

	anon, err := e.svc.Submit(ctx, constant.JobKindTextToAudio, []byte("no name"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasSuffix(anon.Filename, ".mp3") || len(anon.Filename) != len("xxxxxxxxxx.mp3") {
		t.Fatalf("generated filename = %q", anon.Filename)
	}
}
