package pipeline

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/platform"
)

func queuedJob(t *testing.T, rawURL string) *Job {
	t.Helper()
	snap := testSnapshot(t.TempDir())
	return mustJob(t, snap, rawURL, platform.ModeFullMedia)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1)

	first := queuedJob(t, watchURL)
	if _, _, err := q.Enqueue(first); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	second := queuedJob(t, "https://youtu.be/aqz-KE-bpKQ")
	_, _, err := q.Enqueue(second)
	if err == nil {
		t.Fatal("expected queue-full rejection")
	}
	if apperrors.Code(err) != apperrors.CodeQueueFull {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeQueueFull)
	}
}

func TestDuplicateSubmissionCoalesces(t *testing.T) {
	q := NewQueue(4)
	snap := testSnapshot(t.TempDir())

	// Tracker parameters must not split the identity.
	a := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	b := mustJob(t, snap, watchURL+"&utm_source=chat", platform.ModeFullMedia)
	if a.DedupKey != b.DedupKey {
		t.Fatalf("dedup keys differ: %s vs %s", a.DedupKey, b.DedupKey)
	}

	admitted, coalesced, err := q.Enqueue(a)
	if err != nil || coalesced {
		t.Fatalf("Enqueue(a) = (%v, %v)", coalesced, err)
	}
	got, coalesced, err := q.Enqueue(b)
	if err != nil {
		t.Fatalf("Enqueue(b): %v", err)
	}
	if !coalesced {
		t.Fatal("duplicate submission should coalesce")
	}
	if got != admitted {
		t.Error("coalesced submission should return the original job")
	}
	if n := len(admitted.Requesters()); n != 2 {
		t.Errorf("requesters = %d, want 2", n)
	}
	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1", q.Depth())
	}
}

func TestDuplicateAfterDeliveryIsFresh(t *testing.T) {
	q := NewQueue(4)
	snap := testSnapshot(t.TempDir())

	first := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	if _, _, err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The outcome went out but the job has not been released yet; a late
	// duplicate attaching now would never see that outcome.
	first.MarkPublished()

	dup := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	admitted, coalesced, err := q.Enqueue(dup)
	if err != nil {
		t.Fatalf("Enqueue(dup): %v", err)
	}
	if coalesced {
		t.Error("duplicate after delivery must not coalesce")
	}
	if admitted != dup {
		t.Error("duplicate after delivery should be admitted as a fresh job")
	}
	if n := len(first.Requesters()); n != 1 {
		t.Errorf("original requesters = %d, want 1", n)
	}
}

func TestAudioAndVideoModesDoNotCoalesce(t *testing.T) {
	q := NewQueue(4)
	snap := testSnapshot(t.TempDir())

	video := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	audio := mustJob(t, snap, watchURL, platform.ModeAudioOnly)

	if _, _, err := q.Enqueue(video); err != nil {
		t.Fatalf("Enqueue(video): %v", err)
	}
	_, coalesced, err := q.Enqueue(audio)
	if err != nil {
		t.Fatalf("Enqueue(audio): %v", err)
	}
	if coalesced {
		t.Error("different modes must be separate jobs")
	}
}

func TestReleaseFreesIdentitySlot(t *testing.T) {
	q := NewQueue(4)
	snap := testSnapshot(t.TempDir())

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	if _, _, err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Release(job)

	repeat := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	_, coalesced, err := q.Enqueue(repeat)
	if err != nil {
		t.Fatalf("Enqueue(repeat): %v", err)
	}
	if coalesced {
		t.Error("repeat after release should be a fresh job")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := NewQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err != context.DeadlineExceeded {
		t.Errorf("Dequeue on empty queue = %v, want deadline exceeded", err)
	}
}

func TestCloseDrainsThenSignalsWorkers(t *testing.T) {
	q := NewQueue(2)
	job := queuedJob(t, watchURL)
	if _, _, err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.Close()

	got, err := q.Dequeue(context.Background())
	if err != nil || got != job {
		t.Fatalf("Dequeue after close = (%v, %v), want the buffered job", got, err)
	}
	got, err = q.Dequeue(context.Background())
	if err != nil || got != nil {
		t.Fatalf("drained Dequeue = (%v, %v), want (nil, nil)", got, err)
	}

	if _, _, err := q.Enqueue(queuedJob(t, "https://youtu.be/aqz-KE-bpKQ")); err == nil {
		t.Error("Enqueue after close should be rejected")
	}
}

func TestLookupID(t *testing.T) {
	q := NewQueue(2)
	job := queuedJob(t, watchURL)
	if _, _, err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if got, ok := q.LookupID(job.ID); !ok || got != job {
		t.Error("LookupID should find the queued job")
	}
	if _, ok := q.LookupID("no-such-id"); ok {
		t.Error("LookupID should miss unknown IDs")
	}
}
