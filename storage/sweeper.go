package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"convert-gateway/constant"
	"convert-gateway/repository"
)

// Sweeper retires artifacts past their expiry and moves done jobs past the
// retention window to EXPIRED. An artifact whose owning job is still pending
// or processing is never removed, whatever its expiry says; it will be caught
// on a later pass once the job settles.
type Sweeper struct {
	store     Store
	repo      repository.JobRepository
	interval  time.Duration
	retention time.Duration
}

func NewSweeper(store Store, repo repository.JobRepository, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		repo:      repo,
		interval:  interval,
		retention: retention,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one pass. Exported so tests and shutdown hooks can drive it.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	log := zerolog.Ctx(ctx)

	s.expireDoneJobs(ctx, now)

	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("sweep: list expired artifacts")
		return
	}

	removed := 0
	for _, artifact := range expired {
		if _, err := s.repo.FindLiveJobByArtifact(ctx, artifact.ID); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			log.Error().Err(err).Str("artifact", artifact.ID).Msg("sweep: owner lookup")
			continue
		}
		if err := s.store.Delete(ctx, artifact.ID); err != nil && !errors.Is(err, ErrNotFound) {
			log.Error().Err(err).Str("artifact", artifact.ID).Msg("sweep: delete artifact")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("swept expired artifacts")
	}
}

func (s *Sweeper) expireDoneJobs(ctx context.Context, now time.Time) {
	log := zerolog.Ctx(ctx)

	jobs, err := s.repo.FindJobsDoneBefore(ctx, now.Add(-s.retention), 100)
	if err != nil {
		log.Error().Err(err).Msg("sweep: list retained jobs")
		return
	}

	for _, job := range jobs {
		err := s.repo.Transition(ctx, job.ID, constant.JobStatusDone, constant.JobStatusExpired, repository.Fields{})
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID.String()).Msg("sweep: expire job")
			continue
		}
		if job.OutputRef != "" {
			if err := s.store.SetExpiry(ctx, job.OutputRef, now); err != nil && !errors.Is(err, ErrNotFound) {
				log.Error().Err(err).Str("artifact", job.OutputRef).Msg("sweep: expire output artifact")
			}
		}
	}
}
