package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"convert-gateway/constant"
	"convert-gateway/converter"
	"convert-gateway/queue"
	"convert-gateway/repository"
	"convert-gateway/storage"
)

type PoolConfig struct {
	Workers        int
	Queue          *queue.Queue
	Repo           repository.JobRepository
	Store          storage.Store
	Converters     []converter.Converter
	ConvertTimeout time.Duration
	LeaseTTL       time.Duration
	MaxRetries     int
}

// Pool runs a fixed set of workers sharing one queue. Every worker carries
// the full capability set of the configured converters.
type Pool struct {
	workers []*Worker
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	converters := make(map[constant.JobKind]converter.Converter, len(cfg.Converters))
	for _, conv := range cfg.Converters {
		converters[conv.Kind()] = conv
	}

	heartbeat := cfg.LeaseTTL / 3
	if heartbeat < time.Second {
		heartbeat = time.Second
	}

	pool := &Pool{}
	for i := 1; i <= cfg.Workers; i++ {
		pool.workers = append(pool.workers, &Worker{
			id:             fmt.Sprintf("worker-%d", i),
			queue:          cfg.Queue,
			repo:           cfg.Repo,
			store:          cfg.Store,
			converters:     converters,
			convertTimeout: cfg.ConvertTimeout,
			heartbeat:      heartbeat,
			maxRetries:     cfg.MaxRetries,
		})
	}
	return pool
}

// Run blocks until the context ends and every worker has drained.
func (p *Pool) Run(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Int("workers", len(p.workers)).Msg("starting worker pool")

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
}
