package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHeaderDefinition_RoundTrip(t *testing.T) {
	cases := []HeaderDefinition{
		{},
		{HeaderStartOffsetBytes: 0, HeaderSizeBytes: 128},
		{HeaderStartOffsetBytes: 1 << 40, HeaderSizeBytes: 1 << 20},
	}
	for _, d := range cases {
		encoded := encodeHeaderDefinition(d)
		got, err := decodeHeaderDefinition(encoded)
		if err != nil {
			t.Fatalf("decode(%v): %v", d, err)
		}
		if got != d {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, d)
		}
	}
}

func TestDecodeHeaderDefinition_EmptyStringIsZero(t *testing.T) {
	got, err := decodeHeaderDefinition("")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero value, got %+v", got)
	}
}

func TestDecodeHeaderDefinition_RejectsGarbage(t *testing.T) {
	if _, err := decodeHeaderDefinition("not-valid-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := decodeHeaderDefinition("aGVsbG8="); err == nil {
		t.Fatal("expected error for wrong-sized payload")
	}
}

func TestJSONSerializer_HeaderRoundTrip(t *testing.T) {
	s := NewJSONSerializer()
	header := StreamBlobHeader{
		CommitDefinitions: []CommitDefinition{
			{
				DataSizeBytes:  100,
				CommitID:       uuid.New(),
				StreamRevision: 1,
				CommitStampUTC: time.Now().UTC().Truncate(time.Second),
				Ordinal:        0,
				StartPage:      0,
				Checkpoint:     1,
				IsDispatched:   false,
			},
		},
		UndispatchedCommitCount: 1,
		LastCommitSequence:      1,
	}

	raw, err := s.SerializeHeader(header)
	if err != nil {
		t.Fatalf("SerializeHeader: %v", err)
	}
	got, err := s.DeserializeHeader(raw)
	if err != nil {
		t.Fatalf("DeserializeHeader: %v", err)
	}
	if len(got.CommitDefinitions) != 1 {
		t.Fatalf("got %d definitions, want 1", len(got.CommitDefinitions))
	}
	if got.CommitDefinitions[0].CommitID != header.CommitDefinitions[0].CommitID {
		t.Errorf("commit id mismatch: got %v, want %v", got.CommitDefinitions[0].CommitID, header.CommitDefinitions[0].CommitID)
	}
	if !got.CommitDefinitions[0].CommitStampUTC.Equal(header.CommitDefinitions[0].CommitStampUTC) {
		t.Errorf("stamp mismatch: got %v, want %v", got.CommitDefinitions[0].CommitStampUTC, header.CommitDefinitions[0].CommitStampUTC)
	}
}

func TestCommitDefinition_TotalPagesUsed(t *testing.T) {
	cases := []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{1, 1},
		{512, 1},
		{513, 2},
	}
	for _, c := range cases {
		d := CommitDefinition{DataSizeBytes: c.size}
		if got := d.TotalPagesUsed(); got != c.want {
			t.Errorf("TotalPagesUsed(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}
