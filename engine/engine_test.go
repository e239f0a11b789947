package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evsrc/evsrc/objstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := objstore.NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })

	eng := NewEngine(Config{ContainerName: "test", BlobNumPages: 2}, backend, NewJSONSerializer(), SystemClock{}, zap.NewNop(), nil)
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return eng
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %q: %v", s, err)
	}
	return id
}

// Commit followed by a read returns exactly what was written.
func TestCommit_HappyPath(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	attempt := CommitAttempt{
		BucketID:       "b",
		StreamID:       "s1",
		CommitID:       mustUUID(t, "11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1,
		StreamRevision: 1,
		CommitStampUTC: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Events:         [][]byte{[]byte("e0"), []byte("e1")},
	}

	commit, err := eng.Commit(ctx, attempt)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if commit.Checkpoint != 1 {
		t.Errorf("checkpoint = %d, want 1", commit.Checkpoint)
	}

	got, err := eng.GetFrom(ctx, "b", "s1", 1, 1)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d commits, want 1", len(got))
	}
	if len(got[0].Events) != 2 || string(got[0].Events[0]) != "e0" || string(got[0].Events[1]) != "e1" {
		t.Errorf("events mismatch: %v", got[0].Events)
	}
}

// Retrying a commit_id that already landed is rejected without altering the header.
func TestCommit_Duplicate(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	attempt := CommitAttempt{
		BucketID:       "b",
		StreamID:       "s1",
		CommitID:       mustUUID(t, "11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1,
		StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e0")},
	}
	if _, err := eng.Commit(ctx, attempt); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	_, err := eng.Commit(ctx, attempt)
	if err == nil || !errors.Is(err, ErrDuplicateCommit) {
		t.Fatalf("second commit: got %v, want ErrDuplicateCommit", err)
	}

	got, err := eng.GetFrom(ctx, "b", "s1", 1, 1)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("header changed after rejected duplicate: got %d commits", len(got))
	}
}

// Reusing a non-greater commit_sequence against an already-advanced
// stream is rejected as a concurrency conflict.
func TestCommit_ConcurrencyLoser(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	first := CommitAttempt{
		BucketID: "b", StreamID: "s1",
		CommitID: mustUUID(t, "11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1, StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e0")},
	}
	if _, err := eng.Commit(ctx, first); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	loserA := CommitAttempt{
		BucketID: "b", StreamID: "s1",
		CommitID: mustUUID(t, "22222222-2222-2222-2222-222222222222"),
		CommitSequence: 2, StreamRevision: 2,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e1")},
	}
	winner, err := eng.Commit(ctx, loserA)
	if err != nil {
		t.Fatalf("winning commit: %v", err)
	}
	if winner.CommitSequence != 2 {
		t.Fatalf("winner sequence = %d, want 2", winner.CommitSequence)
	}

	loserB := CommitAttempt{
		BucketID: "b", StreamID: "s1",
		CommitID: mustUUID(t, "33333333-3333-3333-3333-333333333333"),
		CommitSequence: 2, StreamRevision: 2,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e2")},
	}
	_, err = eng.Commit(ctx, loserB)
	if err == nil || !errors.Is(err, ErrConcurrency) {
		t.Fatalf("loser commit: got %v, want ErrConcurrency", err)
	}

	got, err := eng.GetFrom(ctx, "b", "s1", 1, 10)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d commits, want 2", len(got))
	}
}

// Undispatched commits enumerate in checkpoint order and drop out once marked dispatched.
func TestDispatch_Enumeration(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	c1, err := eng.Commit(ctx, CommitAttempt{
		BucketID: "b", StreamID: "s1",
		CommitID: mustUUID(t, "11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1, StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e0")},
	})
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	c2, err := eng.Commit(ctx, CommitAttempt{
		BucketID: "b", StreamID: "s2",
		CommitID: mustUUID(t, "22222222-2222-2222-2222-222222222222"),
		CommitSequence: 1, StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e1")},
	})
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	undispatched, err := eng.GetUndispatched(ctx)
	if err != nil {
		t.Fatalf("GetUndispatched: %v", err)
	}
	if len(undispatched) != 2 {
		t.Fatalf("got %d undispatched, want 2", len(undispatched))
	}
	if undispatched[0].Checkpoint != c1.Checkpoint || undispatched[1].Checkpoint != c2.Checkpoint {
		t.Fatalf("undispatched not ordered by checkpoint: %+v", undispatched)
	}

	if err := eng.MarkCommitDispatched(ctx, c1); err != nil {
		t.Fatalf("MarkCommitDispatched: %v", err)
	}

	remaining, err := eng.GetUndispatched(ctx)
	if err != nil {
		t.Fatalf("GetUndispatched (after mark): %v", err)
	}
	if len(remaining) != 1 || remaining[0].CommitID != c2.CommitID {
		t.Fatalf("remaining = %+v, want only c2", remaining)
	}
}

// A snapshot is only visible to readers whose max_revision covers it.
func TestSnapshot_RevisionGating(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	err := eng.AddSnapshot(ctx, Snapshot{
		BucketID:       "b",
		StreamID:       "s1",
		StreamRevision: 5,
		Payload:        []byte("P"),
	})
	if err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}

	snap, ok, err := eng.GetSnapshot(ctx, "b", "s1", 10)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to be found for max_revision=10")
	}
	if string(snap.Payload) != "P" {
		t.Errorf("payload = %q, want %q", snap.Payload, "P")
	}

	_, ok, err = eng.GetSnapshot(ctx, "b", "s1", 4)
	if err != nil {
		t.Fatalf("GetSnapshot (below revision): %v", err)
	}
	if ok {
		t.Error("expected no snapshot for max_revision=4")
	}
}
