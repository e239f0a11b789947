package objstore

import (
	"context"
	"os"
	"testing"
)

// backendFactories enumerates every in-process Backend so the contract
// tests below run against each one. The azureBackend needs a live
// storage account and is exercised separately, by hand, against the
// Azure Storage emulator.
func backendFactories(t *testing.T) map[string]Backend {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "objstore-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	local, err := NewLocalBackend(tmpDir)
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"local":  local,
	}
}

func TestBackend_CreateIfNotExists(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := backend.EnsureContainer(ctx, "c1"); err != nil {
				t.Fatalf("EnsureContainer: %v", err)
			}
			b := Blob{Container: "c1", Name: "blob1"}

			created, err := backend.CreateIfNotExists(ctx, b, 4)
			if err != nil {
				t.Fatalf("CreateIfNotExists: %v", err)
			}
			if !created {
				t.Fatal("expected created=true on first call")
			}

			created, err = backend.CreateIfNotExists(ctx, b, 4)
			if err != nil {
				t.Fatalf("CreateIfNotExists (second): %v", err)
			}
			if created {
				t.Fatal("expected created=false on second call")
			}

			props, err := backend.GetAssumingExists(ctx, b)
			if err != nil {
				t.Fatalf("GetAssumingExists: %v", err)
			}
			if props.SizeBytes != 4*PageSize {
				t.Errorf("size = %d, want %d", props.SizeBytes, 4*PageSize)
			}
		})
	}
}

func TestBackend_WriteAtHonorsETag(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			backend.EnsureContainer(ctx, "c1")
			b := Blob{Container: "c1", Name: "blob1"}
			backend.CreateIfNotExists(ctx, b, 1)

			props, err := backend.GetAssumingExists(ctx, b)
			if err != nil {
				t.Fatalf("GetAssumingExists: %v", err)
			}

			payload := []byte("hello, world")
			if err := backend.WriteAt(ctx, b, 0, payload, props.ETag); err != nil {
				t.Fatalf("WriteAt with correct etag: %v", err)
			}

			// Stale etag must be rejected.
			err = backend.WriteAt(ctx, b, 0, payload, props.ETag)
			if err != ErrConcurrency {
				t.Fatalf("WriteAt with stale etag: got %v, want ErrConcurrency", err)
			}

			got, err := backend.DownloadRange(ctx, b, 0, int64(len(payload)))
			if err != nil {
				t.Fatalf("DownloadRange: %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("roundtrip mismatch: got %q, want %q", got, payload)
			}
		})
	}
}

func TestBackend_Metadata(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			backend.EnsureContainer(ctx, "c1")
			b := Blob{Container: "c1", Name: "blob1"}
			backend.CreateIfNotExists(ctx, b, 1)

			_, etag, err := backend.GetMetadata(ctx, b)
			if err != nil {
				t.Fatalf("GetMetadata: %v", err)
			}

			newETag, err := backend.SetMetadata(ctx, b, map[string]string{"primary_header": "abc"}, etag)
			if err != nil {
				t.Fatalf("SetMetadata: %v", err)
			}
			if newETag == etag {
				t.Error("expected etag to change after SetMetadata")
			}

			meta, _, err := backend.GetMetadata(ctx, b)
			if err != nil {
				t.Fatalf("GetMetadata (after set): %v", err)
			}
			if meta["primary_header"] != "abc" {
				t.Errorf("metadata not persisted: %v", meta)
			}

			if _, err := backend.SetMetadata(ctx, b, map[string]string{"x": "y"}, etag); err != ErrConcurrency {
				t.Errorf("stale-etag SetMetadata: got %v, want ErrConcurrency", err)
			}
		})
	}
}

func TestBackend_IncrementSequence(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			backend.EnsureContainer(ctx, "c1")
			b := Blob{Container: "c1", Name: "seqblob"}
			backend.CreateIfNotExists(ctx, b, 1)

			var last uint64
			for i := 0; i < 5; i++ {
				seq, err := backend.IncrementSequence(ctx, b)
				if err != nil {
					t.Fatalf("IncrementSequence: %v", err)
				}
				if seq <= last {
					t.Fatalf("sequence not monotonic: %d after %d", seq, last)
				}
				last = seq
			}
		})
	}
}

func TestBackend_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			backend.EnsureContainer(ctx, "c1")
			backend.CreateIfNotExists(ctx, Blob{Container: "c1", Name: "stream-a/blob-0"}, 1)
			backend.CreateIfNotExists(ctx, Blob{Container: "c1", Name: "stream-a/blob-1"}, 1)
			backend.CreateIfNotExists(ctx, Blob{Container: "c1", Name: "stream-b/blob-0"}, 1)

			blobs, props, err := backend.ListByPrefix(ctx, "c1", "stream-a/")
			if err != nil {
				t.Fatalf("ListByPrefix: %v", err)
			}
			if len(blobs) != 2 {
				t.Fatalf("got %d blobs, want 2", len(blobs))
			}
			if len(props) != len(blobs) {
				t.Fatalf("props/blobs length mismatch: %d vs %d", len(props), len(blobs))
			}
		})
	}
}

func TestPageAlignAndPagesFor(t *testing.T) {
	cases := []struct {
		in         int64
		wantAlign  int64
		wantPages  int64
	}{
		{0, 0, 0},
		{1, 512, 1},
		{512, 512, 1},
		{513, 1024, 2},
		{1024, 1024, 2},
	}
	for _, c := range cases {
		if got := PageAlign(c.in); got != c.wantAlign {
			t.Errorf("PageAlign(%d) = %d, want %d", c.in, got, c.wantAlign)
		}
		if got := PagesFor(c.in); got != c.wantPages {
			t.Errorf("PagesFor(%d) = %d, want %d", c.in, got, c.wantPages)
		}
	}
}
