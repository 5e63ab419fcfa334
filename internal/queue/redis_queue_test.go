package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ticketprint/internal/models"
)

func newTestQueue(t *testing.T, mr *miniredis.Miniredis, device string) *RedisQueue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{DeviceID: device, ResyncInterval: 50 * time.Millisecond}, nil)
}

func TestEnqueueAssignsIDAndTime(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "till-1")
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	job, err := q.Enqueue(ctx, "O-100", "100", models.TicketReceipt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID != "pj-0000000001" {
		t.Fatalf("unexpected id %s", job.ID)
	}
	if job.CreatedAt.Before(before) {
		t.Fatalf("created_at %s not server time", job.CreatedAt)
	}

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobPending || got.CreatedBy != "till-1" || got.OrderID != "O-100" || got.TicketType != models.TicketReceipt {
		t.Fatalf("unexpected job %+v", got)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("created_at mismatch: %s vs %s", got.CreatedAt, job.CreatedAt)
	}
	if got.AssignedTo != "" || got.ClaimedAt != nil || got.Error != nil {
		t.Fatalf("fresh job carries claim fields: %+v", got)
	}
}

func TestEnqueueValidates(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "till-1")

	if _, err := q.Enqueue(context.Background(), "O-1", "1", "invoice"); !errors.Is(err, ErrInvalidTicketType) {
		t.Fatalf("expected ErrInvalidTicketType, got %v", err)
	}
	if _, err := q.Enqueue(context.Background(), "", "1", models.TicketReceipt); !errors.Is(err, ErrMissingOrderFields) {
		t.Fatalf("expected ErrMissingOrderFields, got %v", err)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	job, err := newTestQueue(t, mr, "till-1").Enqueue(ctx, "O-7", "7", models.TicketDelivery)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const devices = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < devices; i++ {
		q := newTestQueue(t, mr, fmt.Sprintf("printer-host-%d", i))
		wg.Add(1)
		go func(q *RedisQueue) {
			defer wg.Done()
			ok, err := q.Claim(ctx, job.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, q.deviceID)
				mu.Unlock()
			}
		}(q)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got, err := newTestQueue(t, mr, "observer").Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobPrinting || got.AssignedTo != winners[0] || got.ClaimedAt == nil {
		t.Fatalf("unexpected claimed job %+v", got)
	}
}

func TestClaimMissingJob(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "till-1")
	ok, err := q.Claim(context.Background(), "pj-0000000099")
	if err != nil || ok {
		t.Fatalf("expected no claim, got ok=%v err=%v", ok, err)
	}
}

func TestTransitionsRequirePrinting(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "host")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "O-1", "1", models.TicketReceipt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Complete(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed must be rejected, got %v", err)
	}
	if err := q.Fail(ctx, job.ID, "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->failed must be rejected, got %v", err)
	}
	if err := q.Complete(ctx, "pj-0000000042"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	if ok, err := q.Claim(ctx, job.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, err := q.Claim(ctx, job.ID); err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}
	if err := q.Complete(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected completed job %+v", got)
	}

	if err := q.Fail(ctx, job.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
}

func TestFailRecordsReason(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "host")
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "O-2", "2", models.TicketReceipt)
	if _, err := q.Claim(ctx, job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Fail(ctx, job.ID, "printer disconnected during transfer"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobFailed || got.FailedAt == nil || got.Error == nil || *got.Error != "printer disconnected during transfer" {
		t.Fatalf("unexpected failed job %+v", got)
	}
}

func TestRecentAndPending(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "host")
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		job, err := q.Enqueue(ctx, fmt.Sprintf("O-%d", i), fmt.Sprint(i), models.TicketReceipt)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, job.ID)
	}
	if _, err := q.Claim(ctx, ids[0]); err != nil {
		t.Fatalf("claim: %v", err)
	}

	recent, err := q.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != ids[2] || recent[1].ID != ids[1] {
		t.Fatalf("unexpected recent order %+v", recent)
	}

	pending, err := q.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != ids[1] || pending[1].ID != ids[2] {
		t.Fatalf("unexpected pending %+v", pending)
	}
	depth, err := q.PendingDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("unexpected depth %d err=%v", depth, err)
	}
}

func TestSubscribeDeliversEachPendingJobOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "host")
	producer := newTestQueue(t, mr, "till")
	ctx := context.Background()

	first, err := producer.Enqueue(ctx, "O-1", "1", models.TicketReceipt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := make(chan models.PrintJob, 10)
	sub, err := q.Subscribe(ctx, func(j models.PrintJob) { got <- j })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	expect := func(id string) {
		t.Helper()
		select {
		case j := <-got:
			if j.ID != id || j.Status != models.JobPending {
				t.Fatalf("expected pending %s, got %+v", id, j)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", id)
		}
	}
	expect(first.ID)

	second, err := producer.Enqueue(ctx, "O-2", "2", models.TicketDelivery)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	expect(second.ID)

	// Several resync periods pass; nothing is delivered twice.
	time.Sleep(200 * time.Millisecond)
	select {
	case j := <-got:
		t.Fatalf("unexpected redelivery of %s", j.ID)
	default:
	}

	// A job claimed elsewhere before it is observed is never delivered.
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	third, _ := producer.Enqueue(ctx, "O-3", "3", models.TicketReceipt)
	if ok, err := producer.Claim(ctx, third.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	sub2, err := q.Subscribe(ctx, func(j models.PrintJob) { got <- j })
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer sub2.Close()
	expect(first.ID)
	expect(second.ID)
	select {
	case j := <-got:
		t.Fatalf("claimed job delivered: %s", j.ID)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestKeysShareOneHashSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestQueue(t, mr, "till-1")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "O-1", "1", models.TicketReceipt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !mr.Exists("{printjobs}:job:" + job.ID) {
		t.Fatalf("job hash not stored under tagged prefix, keys: %v", mr.Keys())
	}
	for _, k := range mr.Keys() {
		if !strings.HasPrefix(k, "{printjobs}:") {
			t.Fatalf("key %q outside the queue's hash tag", k)
		}
	}
}

func TestHashTag(t *testing.T) {
	cases := map[string]string{
		"":              "{printjobs}",
		"shop-7":        "{shop-7}",
		"{shop-7}":      "{shop-7}",
		"tenant:{7}:pj": "tenant:{7}:pj",
	}
	for in, want := range cases {
		if got := hashTag(in); got != want {
			t.Fatalf("hashTag(%q) = %q, want %q", in, got, want)
		}
	}
}
