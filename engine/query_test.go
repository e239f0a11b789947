package engine

import (
	"context"
	"testing"
	"time"
)

func TestQuery_GetFromTo(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mustCommit := func(stream string, seq uint32, id string, stamp time.Time) {
		t.Helper()
		if _, err := eng.Commit(ctx, CommitAttempt{
			BucketID:       "b",
			StreamID:       stream,
			CommitID:       mustUUID(t, id),
			CommitSequence: seq,
			StreamRevision: seq,
			CommitStampUTC: stamp,
			Events:         [][]byte{[]byte("e")},
		}); err != nil {
			t.Fatalf("commit %s/%d: %v", stream, seq, err)
		}
	}

	mustCommit("s1", 1, "11111111-1111-1111-1111-111111111111", base)
	mustCommit("s2", 1, "22222222-2222-2222-2222-222222222222", base.Add(time.Hour))
	mustCommit("s1", 2, "33333333-3333-3333-3333-333333333333", base.Add(2*time.Hour))

	// A commit in a different bucket must never show up in bucket "b"'s scan.
	if _, err := eng.Commit(ctx, CommitAttempt{
		BucketID:       "other",
		StreamID:       "s1",
		CommitID:       mustUUID(t, "44444444-4444-4444-4444-444444444444"),
		CommitSequence: 1,
		StreamRevision: 1,
		CommitStampUTC: base.Add(30 * time.Minute),
		Events:         [][]byte{[]byte("e")},
	}); err != nil {
		t.Fatalf("commit in other bucket: %v", err)
	}

	got, err := eng.GetFromTo(ctx, "b", base.Add(-time.Minute), base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("GetFromTo: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d commits, want 2: %+v", len(got), got)
	}
	if got[0].CommitID != mustUUID(t, "11111111-1111-1111-1111-111111111111") {
		t.Errorf("first commit = %v, want the base-time commit", got[0].CommitID)
	}
	if got[1].CommitID != mustUUID(t, "22222222-2222-2222-2222-222222222222") {
		t.Errorf("second commit = %v, want the +1h commit", got[1].CommitID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].CommitStampUTC.Before(got[i-1].CommitStampUTC) {
			t.Errorf("results not sorted by commit_stamp_utc: %+v", got)
		}
	}

	// A window that excludes everything returns no commits, not an error.
	empty, err := eng.GetFromTo(ctx, "b", base.Add(10*time.Hour), base.Add(11*time.Hour))
	if err != nil {
		t.Fatalf("GetFromTo (empty window): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no commits outside the window, got %d", len(empty))
	}
}

func TestQuery_GetFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	c1, err := eng.Commit(ctx, CommitAttempt{
		BucketID: "b", StreamID: "s1",
		CommitID:       mustUUID(t, "11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1, StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e0")},
	})
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	c2, err := eng.Commit(ctx, CommitAttempt{
		BucketID: "b", StreamID: "s2",
		CommitID:       mustUUID(t, "22222222-2222-2222-2222-222222222222"),
		CommitSequence: 1, StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e1")},
	})
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	c3, err := eng.Commit(ctx, CommitAttempt{
		BucketID: "b", StreamID: "s1",
		CommitID:       mustUUID(t, "33333333-3333-3333-3333-333333333333"),
		CommitSequence: 2, StreamRevision: 2,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("e2")},
	})
	if err != nil {
		t.Fatalf("commit 3: %v", err)
	}

	all, err := eng.GetFromCheckpoint(ctx, 0)
	if err != nil {
		t.Fatalf("GetFromCheckpoint(0): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d commits from checkpoint 0, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Checkpoint < all[i-1].Checkpoint {
			t.Errorf("results not sorted by checkpoint: %+v", all)
		}
	}

	fromC1, err := eng.GetFromCheckpoint(ctx, c1.Checkpoint)
	if err != nil {
		t.Fatalf("GetFromCheckpoint(c1): %v", err)
	}
	if len(fromC1) != 2 {
		t.Fatalf("got %d commits after c1's checkpoint, want 2: %+v", len(fromC1), fromC1)
	}
	gotIDs := map[string]bool{}
	for _, c := range fromC1 {
		gotIDs[c.CommitID.String()] = true
	}
	if !gotIDs[c2.CommitID.String()] || !gotIDs[c3.CommitID.String()] {
		t.Errorf("expected c2 and c3 past c1's checkpoint, got %+v", fromC1)
	}

	none, err := eng.GetFromCheckpoint(ctx, c3.Checkpoint)
	if err != nil {
		t.Fatalf("GetFromCheckpoint(c3): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no commits past the highest checkpoint, got %d", len(none))
	}
}
