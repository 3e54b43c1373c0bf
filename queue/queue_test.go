package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"convert-gateway/constant"
)

// TestQueueClaimOrder verifies the FIFO baseline across kinds.
func TestQueueClaimOrder(t *testing.T) {
	q := New(10, time.Minute, nil)

	first := uuid.New()
	second := uuid.New()
	if err := q.Enqueue(first, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(second, constant.JobKindTextToAudio); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claim, err := q.Claim(constant.JobKindMediaToText, constant.JobKindTextToAudio)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.JobId != first {
		t.Fatalf("claimed %s, want oldest %s", claim.JobId, first)
	}
	if claim.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", claim.Attempts)
	}
}

// TestQueueCapabilityFilter checks that a worker only receives kinds it serves.
func TestQueueCapabilityFilter(t *testing.T) {
	q := New(10, time.Minute, nil)

	media := uuid.New()
	text := uuid.New()
	if err := q.Enqueue(media, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(text, constant.JobKindTextToAudio); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claim, err := q.Claim(constant.JobKindTextToAudio)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.JobId != text {
		t.Fatalf("claimed %s, want text-to-audio job %s", claim.JobId, text)
	}

	if _, err := q.Claim(constant.JobKindTextToAudio); !errors.Is(err, ErrEmpty) {
		t.Fatalf("second claim error = %v, want ErrEmpty", err)
	}
}

// TestQueueDepthLimit verifies backpressure and the one-entry-per-job rule.
func TestQueueDepthLimit(t *testing.T) {
	q := New(2, time.Minute, nil)

	jobId := uuid.New()
	if err := q.Enqueue(jobId, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(jobId, constant.JobKindMediaToText); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate enqueue error = %v, want ErrDuplicate", err)
	}
	if err := q.Enqueue(uuid.New(), constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(uuid.New(), constant.JobKindMediaToText); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue over depth error = %v, want ErrQueueFull", err)
	}
}

// TestQueueAckRemovesEntry verifies Ack consumes the lease exactly once.
func TestQueueAckRemovesEntry(t *testing.T) {
	q := New(10, time.Minute, nil)

	jobId := uuid.New()
	if err := q.Enqueue(jobId, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claim, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.Ack(claim.JobId, claim.LeaseToken); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(claim.JobId, claim.LeaseToken); !errors.Is(err, ErrUnknownLease) {
		t.Fatalf("second ack error = %v, want ErrUnknownLease", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0", q.Depth())
	}
}

// TestQueueNackRequeuesAtTail verifies a retried job runs after newer jobs.
func TestQueueNackRequeuesAtTail(t *testing.T) {
	q := New(10, time.Minute, nil)

	retried := uuid.New()
	newer := uuid.New()
	if err := q.Enqueue(retried, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claim, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Enqueue(newer, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Nack(claim.JobId, claim.LeaseToken); err != nil {
		t.Fatalf("nack: %v", err)
	}

	next, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if next.JobId != newer {
		t.Fatalf("claimed %s, want newer job %s ahead of retry", next.JobId, newer)
	}

	again, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if again.JobId != retried || again.Attempts != 2 {
		t.Fatalf("reclaim = (%s, attempts %d), want (%s, 2)", again.JobId, again.Attempts, retried)
	}
}

// TestQueueLeaseExpiry verifies an unacknowledged claim becomes claimable
// again and the old lease token dies.
func TestQueueLeaseExpiry(t *testing.T) {
	q := New(10, time.Minute, nil)
	current := time.Now()
	q.now = func() time.Time { return current }

	jobId := uuid.New()
	if err := q.Enqueue(jobId, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claim, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if n := q.Reap(context.Background()); n != 1 {
		t.Fatalf("reaped %d entries, want 1", n)
	}

	if err := q.Extend(claim.JobId, claim.LeaseToken); !errors.Is(err, ErrUnknownLease) {
		t.Fatalf("extend on reaped lease error = %v, want ErrUnknownLease", err)
	}

	again, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts after expiry = %d, want 2", again.Attempts)
	}
}

// TestQueueExtendKeepsLease verifies an extended lease survives the reaper.
func TestQueueExtendKeepsLease(t *testing.T) {
	q := New(10, time.Minute, nil)
	current := time.Now()
	q.now = func() time.Time { return current }

	jobId := uuid.New()
	if err := q.Enqueue(jobId, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claim, err := q.Claim(constant.JobKindMediaToText)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	current = current.Add(45 * time.Second)
	if err := q.Extend(claim.JobId, claim.LeaseToken); err != nil {
		t.Fatalf("extend: %v", err)
	}
	current = current.Add(45 * time.Second)

	if n := q.Reap(context.Background()); n != 0 {
		t.Fatalf("reaped %d entries, want 0 after extend", n)
	}
	if err := q.Ack(claim.JobId, claim.LeaseToken); err != nil {
		t.Fatalf("ack after extend: %v", err)
	}
}

// TestQueueExpiryHookDecides verifies a false return drops the entry.
func TestQueueExpiryHookDecides(t *testing.T) {
	var dropped []uuid.UUID
	q := New(10, time.Minute, func(ctx context.Context, jobId uuid.UUID, attempts int) bool {
		dropped = append(dropped, jobId)
		return false
	})
	current := time.Now()
	q.now = func() time.Time { return current }

	jobId := uuid.New()
	if err := q.Enqueue(jobId, constant.JobKindMediaToText); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(constant.JobKindMediaToText); err != nil {
		t.Fatalf("claim: %v", err)
	}

	current = current.Add(2 * time.Minute)
	q.Reap(context.Background())

	if len(dropped) != 1 || dropped[0] != jobId {
		t.Fatalf("hook saw %v, want [%s]", dropped, jobId)
	}
	if _, err := q.Claim(constant.JobKindMediaToText); !errors.Is(err, ErrEmpty) {
		t.Fatalf("claim after dropped expiry error = %v, want ErrEmpty", err)
	}
}

// TestQueueConcurrentClaims checks N workers racing over M<N jobs get exactly
// M claims with no job handed out twice.
func TestQueueConcurrentClaims(t *testing.T) {
	const pending = 3
	const workers = 10

	q := New(100, time.Minute, nil)
	for i := 0; i < pending; i++ {
		if err := q.Enqueue(uuid.New(), constant.JobKindMediaToText); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]int)
	empty := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := q.Claim(constant.JobKindMediaToText)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrEmpty) {
				empty++
				return
			}
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			claimed[claim.JobId]++
		}()
	}
	wg.Wait()

	if len(claimed) != pending {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), pending)
	}
	for jobId, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", jobId, n)
		}
	}
	if empty != workers-pending {
		t.Fatalf("empty results = %d, want %d", empty, workers-pending)
	}
}
