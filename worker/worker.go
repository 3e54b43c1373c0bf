package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convert-gateway/constant"
	"convert-gateway/converter"
	"convert-gateway/entities"
	"convert-gateway/queue"
	"convert-gateway/repository"
	"convert-gateway/storage"
)

// Worker claims jobs matching its capabilities and drives them through the
// conversion pipeline. All registry writes go through CAS transitions, so a
// crashed or slow worker can never clobber a state someone else advanced;
// lease expiry plus the reaper is the recovery path.
type Worker struct {
	id             string
	queue          *queue.Queue
	repo           repository.JobRepository
	store          storage.Store
	converters     map[constant.JobKind]converter.Converter
	convertTimeout time.Duration
	heartbeat      time.Duration
	maxRetries     int
}

func (w *Worker) capabilities() []constant.JobKind {
	kinds := make([]constant.JobKind, 0, len(w.converters))
	for kind := range w.converters {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Run polls the queue until the context ends, backing off while it is empty.
func (w *Worker) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	caps := w.capabilities()
	for {
		if ctx.Err() != nil {
			return
		}

		claim, err := w.queue.Claim(caps...)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		w.process(ctx, claim)
	}
}

func (w *Worker) process(ctx context.Context, claim *queue.Claim) {
	log := zerolog.Ctx(ctx).With().
		Str("worker", w.id).
		Str("job_id", claim.JobId.String()).
		Str("kind", string(claim.Kind)).
		Int("attempt", claim.Attempts).
		Logger()

	err := w.repo.Transition(ctx, claim.JobId, constant.JobStatusPending, constant.JobStatusProcessing, repository.Fields{})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			// Cancelled, already terminal, or gone; this entry is stale.
			log.Info().Err(err).Msg("job no longer pending, dropping claim")
			w.ack(claim)
			return
		}
		// Transient registry failure. The job is still PENDING, so the entry
		// goes back in the queue and a later claim retries.
		log.Error().Err(err).Msg("registry unavailable, requeueing claim")
		w.nack(claim)
		return
	}

	job, err := w.repo.FindJobById(ctx, claim.JobId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info().Err(err).Msg("claimed job vanished, dropping claim")
			w.ack(claim)
			return
		}
		// The job is PROCESSING now; hand it back before requeueing so the
		// next claim's CAS can win. If that write fails too, the lease is
		// left to expire and the reaper recovers the job.
		log.Error().Err(err).Msg("failed to load claimed job")
		msg := err.Error()
		if casErr := w.repo.Transition(ctx, claim.JobId, constant.JobStatusProcessing, constant.JobStatusPending, repository.Fields{
			LastError: &msg,
		}); casErr == nil {
			w.nack(claim)
		}
		return
	}

	if job.CancelRequested {
		w.failJob(ctx, claim, constant.ReasonCancelled)
		return
	}

	input, meta, err := w.store.Get(ctx, job.InputRef)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch input artifact")
		w.retryOrFail(ctx, claim, job, err)
		return
	}

	conv, ok := w.converters[job.Kind]
	if !ok {
		w.failJob(ctx, claim, "no capability for kind "+string(job.Kind))
		return
	}

	output, outputType, err := w.convert(ctx, claim, conv, input, converter.Options{
		ContentType: meta.ContentType,
		Voice:       job.Voice,
		Language:    job.Language,
	})
	if err != nil {
		log.Warn().Err(err).Msg("conversion failed")
		w.retryOrFail(ctx, claim, job, err)
		return
	}

	// Re-read for a cancel that arrived while converting; the CAS below
	// would still protect us, but this avoids storing an unwanted result.
	if fresh, err := w.repo.FindJobById(ctx, job.ID); err == nil && fresh.CancelRequested {
		w.failJob(ctx, claim, constant.ReasonCancelled)
		return
	}

	artifact, err := w.store.Put(ctx, output, outputType)
	if err != nil {
		log.Error().Err(err).Msg("failed to store output artifact")
		w.retryOrFail(ctx, claim, job, err)
		return
	}

	ref := artifact.ID
	err = w.repo.Transition(ctx, job.ID, constant.JobStatusProcessing, constant.JobStatusDone, repository.Fields{
		OutputRef: &ref,
	})
	if err != nil {
		// The lease expired mid-flight and the reaper took the job back, or
		// it was cancelled. The requeued run owns it now; our result stays
		// in the store and deduplicates if it is produced again.
		log.Warn().Err(err).Msg("lost completion race, discarding outcome")
		w.ack(claim)
		return
	}

	log.Info().Str("output_ref", ref).Msg("job completed")
	w.ack(claim)
}

// convert runs the capability under the hard timeout while a heartbeat keeps
// the lease alive.
func (w *Worker) convert(ctx context.Context, claim *queue.Claim, conv converter.Converter, input []byte, opts converter.Options) ([]byte, string, error) {
	cctx, cancel := context.WithTimeout(ctx, w.convertTimeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-cctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(claim.JobId, claim.LeaseToken); err != nil {
					return
				}
			}
		}
	}()

	output, outputType, err := conv.Convert(cctx, input, opts)
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		return nil, "", converter.ErrTimeout
	}
	return output, outputType, err
}

func (w *Worker) retryOrFail(ctx context.Context, claim *queue.Claim, job *entities.Job, cause error) {
	msg := cause.Error()
	retryable := !errors.Is(cause, converter.ErrUnsupportedFormat) && !errors.Is(cause, storage.ErrNotFound)

	if retryable && job.RetryCount < w.maxRetries {
		retries := job.RetryCount + 1
		err := w.repo.Transition(ctx, job.ID, constant.JobStatusProcessing, constant.JobStatusPending, repository.Fields{
			RetryCount: &retries,
			LastError:  &msg,
		})
		if err == nil {
			if nackErr := w.queue.Nack(claim.JobId, claim.LeaseToken); nackErr != nil {
				zerolog.Ctx(ctx).Warn().Err(nackErr).Str("job_id", claim.JobId.String()).Msg("nack after retry transition")
			}
			return
		}
		// CAS lost; fall through and drop the claim.
	}

	w.failJob(ctx, claim, msg)
}

func (w *Worker) failJob(ctx context.Context, claim *queue.Claim, reason string) {
	err := w.repo.Transition(ctx, claim.JobId, constant.JobStatusProcessing, constant.JobStatusFailed, repository.Fields{
		LastError: &reason,
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		zerolog.Ctx(ctx).Error().Err(err).Str("job_id", claim.JobId.String()).Msg("failed to mark job failed")
	}
	w.ack(claim)
}

func (w *Worker) ack(claim *queue.Claim) {
	// ErrUnknownLease just means the reaper got there first.
	_ = w.queue.Ack(claim.JobId, claim.LeaseToken)
}

func (w *Worker) nack(claim *queue.Claim) {
	_ = w.queue.Nack(claim.JobId, claim.LeaseToken)
}

// RequeueOnExpire is the reaper hook: it CASes an abandoned job back to
// PENDING with the retry counter bumped, or fails it once retries run out.
// Returning false keeps the entry out of the queue when the CAS loses,
// which is exactly the double-processing guard the lease exists for.
func RequeueOnExpire(repo repository.JobRepository, maxRetries int) queue.ExpiredFunc {
	return func(ctx context.Context, jobId uuid.UUID, attempts int) bool {
		job, err := repo.FindJobById(ctx, jobId)
		if err != nil {
			return false
		}
		if job.Status != constant.JobStatusProcessing {
			return false
		}

		if job.RetryCount >= maxRetries {
			reason := constant.ReasonLeaseExpired + ": retries exhausted"
			_ = repo.Transition(ctx, jobId, constant.JobStatusProcessing, constant.JobStatusFailed, repository.Fields{
				LastError: &reason,
			})
			return false
		}

		retries := job.RetryCount + 1
		reason := constant.ReasonLeaseExpired
		err = repo.Transition(ctx, jobId, constant.JobStatusProcessing, constant.JobStatusPending, repository.Fields{
			RetryCount: &retries,
			LastError:  &reason,
		})
		if err != nil {
			// Original worker finished in the meantime; keep its outcome.
			return false
		}
		zerolog.Ctx(ctx).Warn().
			Str("job_id", jobId.String()).
			Int("attempts", attempts).
			Msg("lease expired, job requeued")
		return true
	}
}
