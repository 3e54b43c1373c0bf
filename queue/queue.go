package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convert-gateway/constant"
)

var (
	ErrEmpty     = errors.New("no claimable job")
	ErrQueueFull = errors.New("queue depth limit reached")
	// ErrUnknownLease means the token no longer matches: the lease expired and
	// was reaped, or the entry was already acked.
	ErrUnknownLease = errors.New("unknown lease")
	ErrDuplicate    = errors.New("job already queued")
)

// Entry is one queued job reference. There is at most one live entry per job,
// either pending or leased.
type Entry struct {
	JobId         uuid.UUID
	Kind          constant.JobKind
	EnqueuedAt    time.Time
	Attempts      int
	leaseToken    uuid.UUID
	leaseDeadline time.Time
}

// Claim is a worker's temporary exclusive hold on an entry.
type Claim struct {
	JobId      uuid.UUID
	Kind       constant.JobKind
	Attempts   int
	LeaseToken uuid.UUID
}

// ExpiredFunc decides what happens to a reaped lease. It returns true to
// requeue the entry; the registry transition back to PENDING happens inside,
// via CAS, so a worker that later finishes loses the race cleanly.
type ExpiredFunc func(ctx context.Context, jobId uuid.UUID, attempts int) bool

// Queue is an in-process FIFO work queue with visibility timeouts. Delivery
// is at-least-once: an expired lease makes the entry claimable again.
type Queue struct {
	mu       sync.Mutex
	pending  []*Entry
	leased   map[uuid.UUID]*Entry
	maxDepth int
	leaseTTL time.Duration
	onExpire ExpiredFunc
	now      func() time.Time
}

func New(maxDepth int, leaseTTL time.Duration, onExpire ExpiredFunc) *Queue {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Queue{
		leased:   make(map[uuid.UUID]*Entry),
		maxDepth: maxDepth,
		leaseTTL: leaseTTL,
		onExpire: onExpire,
		now:      time.Now,
	}
}

func (q *Queue) Enqueue(jobId uuid.UUID, kind constant.JobKind) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[jobId]; ok {
		return ErrDuplicate
	}
	for _, e := range q.pending {
		if e.JobId == jobId {
			return ErrDuplicate
		}
	}
	if len(q.pending)+len(q.leased) >= q.maxDepth {
		return ErrQueueFull
	}

	q.pending = append(q.pending, &Entry{
		JobId:      jobId,
		Kind:       kind,
		EnqueuedAt: q.now(),
	})
	return nil
}

// Claim hands out the oldest pending entry matching one of the capabilities.
func (q *Queue) Claim(capabilities ...constant.JobKind) (*Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		if !kindIn(e.Kind, capabilities) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		e.Attempts++
		e.leaseToken = uuid.New()
		e.leaseDeadline = q.now().Add(q.leaseTTL)
		q.leased[e.JobId] = e
		return &Claim{
			JobId:      e.JobId,
			Kind:       e.Kind,
			Attempts:   e.Attempts,
			LeaseToken: e.leaseToken,
		}, nil
	}
	return nil, ErrEmpty
}

// Ack removes the entry after a terminal outcome, done or failed.
func (q *Queue) Ack(jobId, leaseToken uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased[jobId]
	if !ok || e.leaseToken != leaseToken {
		return ErrUnknownLease
	}
	delete(q.leased, jobId)
	return nil
}

// Nack returns the entry to the tail of the queue for another attempt.
// Requeued jobs may therefore run after newer submissions.
func (q *Queue) Nack(jobId, leaseToken uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased[jobId]
	if !ok || e.leaseToken != leaseToken {
		return ErrUnknownLease
	}
	delete(q.leased, jobId)
	e.leaseToken = uuid.Nil
	e.leaseDeadline = time.Time{}
	q.pending = append(q.pending, e)
	return nil
}

// Extend pushes the lease deadline out by one full TTL.
func (q *Queue) Extend(jobId, leaseToken uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased[jobId]
	if !ok || e.leaseToken != leaseToken {
		return ErrUnknownLease
	}
	e.leaseDeadline = q.now().Add(q.leaseTTL)
	return nil
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.leased)
}

// Reap recovers entries whose lease has expired. The onExpire hook runs
// outside the lock and decides, per entry, whether it goes back in the queue.
func (q *Queue) Reap(ctx context.Context) int {
	q.mu.Lock()
	now := q.now()
	var expired []*Entry
	for jobId, e := range q.leased {
		if !e.leaseDeadline.After(now) {
			delete(q.leased, jobId)
			expired = append(expired, e)
		}
	}
	q.mu.Unlock()

	reaped := 0
	for _, e := range expired {
		reaped++
		requeue := q.onExpire == nil || q.onExpire(ctx, e.JobId, e.Attempts)
		if !requeue {
			continue
		}
		e.leaseToken = uuid.Nil
		e.leaseDeadline = time.Time{}
		q.mu.Lock()
		q.pending = append(q.pending, e)
		q.mu.Unlock()
	}
	return reaped
}

// Run drives the reaper until the context ends.
func (q *Queue) Run(ctx context.Context) {
	interval := q.leaseTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Reap(ctx); n > 0 {
				zerolog.Ctx(ctx).Warn().Int("count", n).Msg("reaped expired leases")
			}
		}
	}
}

func kindIn(kind constant.JobKind, set []constant.JobKind) bool {
	for _, k := range set {
		if k == kind {
			return true
		}
	}
	return false
}
