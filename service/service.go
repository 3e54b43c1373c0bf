package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convert-gateway/config"
	"convert-gateway/constant"
	"convert-gateway/dto"
	"convert-gateway/entities"
	"convert-gateway/queue"
	"convert-gateway/repository"
	"convert-gateway/storage"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrPending means the job exists but has not produced a result yet.
	ErrPending = errors.New("result not ready")
	// ErrQueueFull is surfaced to callers as a retryable submission failure.
	ErrQueueFull = queue.ErrQueueFull
)

// ValidationError rejects a submission before any job or artifact exists.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ResultFailedError carries the recorded failure reason of a failed job,
// never raw internal error chains.
type ResultFailedError struct {
	Reason string
}

func (e *ResultFailedError) Error() string {
	return "job failed: " + e.Reason
}

type SubmitOptions struct {
	Filename string
	Voice    string
	Language string
}

type Result struct {
	Data        []byte
	ContentType string
	Filename    string
}

// PublishFunc dispatches a job message to the broker. Nil means
// single-process mode and the local queue is used directly.
type PublishFunc func(ctx context.Context, msg dto.JobMessage) error

type Service interface {
	Submit(ctx context.Context, kind constant.JobKind, input []byte, opts SubmitOptions) (*entities.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*entities.Job, error)
	Result(ctx context.Context, id uuid.UUID) (*Result, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type service struct {
	repo    repository.JobRepository
	store   storage.Store
	queue   *queue.Queue
	publish PublishFunc
	limits  config.Limits
}

func NewService(repo repository.JobRepository, store storage.Store, q *queue.Queue, publish PublishFunc, limits config.Limits) Service {
	return &service{
		repo:    repo,
		store:   store,
		queue:   q,
		publish: publish,
		limits:  limits,
	}
}

func (s *service) Submit(ctx context.Context, kind constant.JobKind, input []byte, opts SubmitOptions) (*entities.Job, error) {
	contentType, err := s.validate(kind, input, &opts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dedupKey := dedupKey(kind, opts, input)
	if existing, err := s.repo.FindJobByDedupKey(ctx, dedupKey, now.Add(-s.limits.DedupWindow)); err == nil {
		zerolog.Ctx(ctx).Info().
			Str("job_id", existing.ID.String()).
			Msg("duplicate submission coalesced")
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	artifact, err := s.store.Put(ctx, input, contentType)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetExpiry(ctx, artifact.ID, now.Add(s.limits.ArtifactTTL)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("artifact", artifact.ID).Msg("failed to set input expiry")
	}

	job := &entities.Job{
		ID:       uuid.New(),
		Kind:     kind,
		Status:   constant.JobStatusPending,
		DedupKey: dedupKey,
		InputRef: artifact.ID,
		Filename: opts.Filename,
		Voice:    opts.Voice,
		Language: opts.Language,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, job); err != nil {
		reason := "dispatch failed"
		if errors.Is(err, queue.ErrQueueFull) {
			reason = constant.ReasonQueueFull
		}
		if casErr := s.repo.Transition(ctx, job.ID, constant.JobStatusPending, constant.JobStatusFailed, repository.Fields{
			LastError: &reason,
		}); casErr != nil {
			zerolog.Ctx(ctx).Error().Err(casErr).Str("job_id", job.ID.String()).Msg("failed to fail undispatched job")
		}
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", job.ID.String()).
		Str("kind", string(kind)).
		Int("input_bytes", len(input)).
		Msg("job submitted")
	return job, nil
}

func (s *service) dispatch(ctx context.Context, job *entities.Job) error {
	if s.publish != nil {
		return s.publish(ctx, dto.JobMessage{JobId: job.ID, Kind: job.Kind})
	}
	err := s.queue.Enqueue(job.ID, job.Kind)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

func (s *service) validate(kind constant.JobKind, input []byte, opts *SubmitOptions) (string, error) {
	switch kind {
	case constant.JobKindMediaToText:
		if len(input) == 0 {
			return "", &ValidationError{Reason: "empty media file"}
		}
		if int64(len(input)) > s.limits.MaxUploadBytes {
			return "", &ValidationError{Reason: fmt.Sprintf("file exceeds %d byte limit", s.limits.MaxUploadBytes)}
		}
		mt := mimetype.Detect(input)
		if !strings.HasPrefix(mt.String(), "audio/") && !strings.HasPrefix(mt.String(), "video/") {
			return "", &ValidationError{Reason: "unsupported media type " + mt.String()}
		}
		return mt.String(), nil

	case constant.JobKindTextToAudio:
		text := strings.TrimSpace(string(input))
		if text == "" {
			return "", &ValidationError{Reason: "text cannot be empty"}
		}
		if len([]rune(text)) > s.limits.MaxTextChars {
			return "", &ValidationError{Reason: fmt.Sprintf("text is too long (max %d characters)", s.limits.MaxTextChars)}
		}
		if opts.Voice == "" {
			opts.Voice = constant.VoiceMale
		}
		if opts.Voice != constant.VoiceMale && opts.Voice != constant.VoiceFemale {
			return "", &ValidationError{Reason: "voice type must be 'male' or 'female'"}
		}
		if opts.Language == "" {
			opts.Language = "en"
		}
		opts.Filename = audioFilename(opts.Filename)
		return "text/plain; charset=utf-8", nil

	default:
		return "", &ValidationError{Reason: "unknown job kind " + string(kind)}
	}
}

func (s *service) Status(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	job, err := s.repo.FindJobById(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *service) Result(ctx context.Context, id uuid.UUID) (*Result, error) {
	job, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case constant.JobStatusPending, constant.JobStatusProcessing:
		return nil, ErrPending
	case constant.JobStatusFailed:
		reason := job.LastError
		if reason == "" {
			reason = "unknown"
		}
		return nil, &ResultFailedError{Reason: reason}
	case constant.JobStatusExpired:
		return nil, ErrNotFound
	}

	data, meta, err := s.store.Get(ctx, job.OutputRef)
	if errors.Is(err, storage.ErrNotFound) {
		// Output was swept under us; reflect that durably.
		if casErr := s.repo.Transition(ctx, job.ID, constant.JobStatusDone, constant.JobStatusExpired, repository.Fields{}); casErr != nil && !errors.Is(casErr, repository.ErrConflict) {
			zerolog.Ctx(ctx).Warn().Err(casErr).Str("job_id", job.ID.String()).Msg("failed to expire job with missing output")
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:        data,
		ContentType: meta.ContentType,
		Filename:    resultFilename(job, meta.ContentType),
	}, nil
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID) error {
	reason := constant.ReasonCancelled
	err := s.repo.Transition(ctx, id, constant.JobStatusPending, constant.JobStatusFailed, repository.Fields{
		LastError: &reason,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if !errors.Is(err, repository.ErrConflict) {
		return err
	}

	// Already claimed or terminal. Set the flag; a processing worker checks
	// it at safe points, terminal jobs just ignore it.
	return s.repo.RequestCancel(ctx, id)
}

func dedupKey(kind constant.JobKind, opts SubmitOptions, input []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte("|" + opts.Voice + "|" + opts.Language + "|"))
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// audioFilename applies the original naming rules: keep a client name with
// an enforced .mp3 suffix, otherwise make up a short random one.
func audioFilename(requested string) string {
	if requested == "" {
		letters := make([]byte, 10)
		for i := range letters {
			letters[i] = byte('a' + rand.Intn(26))
		}
		return string(letters) + ".mp3"
	}
	if !strings.HasSuffix(requested, ".mp3") {
		return requested + ".mp3"
	}
	return requested
}

func resultFilename(job *entities.Job, contentType string) string {
	if job.Filename != "" {
		return job.Filename
	}
	ext := ".bin"
	switch {
	case strings.HasPrefix(contentType, "text/"):
		ext = ".txt"
	case contentType == "audio/mpeg":
		ext = ".mp3"
	}
	return job.ID.String() + ext
}
