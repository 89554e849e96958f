package auditlog

import (
	"strings"
	"testing"
)

func TestStore_AppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Append(Entry{Action: ActionMessageSent, ConversationID: "c1", MessageID: "m1"})
	s.Append(Entry{Action: ActionGenerationFinalized, ConversationID: "c1", MessageID: "m2"})
	s.Append(Entry{Action: ActionGenerationCanceled, ConversationID: "c1", Status: "failure", Error: "stopped"})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries)=%d, want 3", len(entries))
	}
	if entries[0].Action != ActionGenerationCanceled {
		t.Fatalf("entries[0].Action=%q, want %q", entries[0].Action, ActionGenerationCanceled)
	}
	if entries[2].Action != ActionMessageSent {
		t.Fatalf("entries[2].Action=%q, want %q", entries[2].Action, ActionMessageSent)
	}
	if entries[1].Status != "success" {
		t.Fatalf("entries[1].Status=%q, want default success", entries[1].Status)
	}
	if entries[0].Status != "failure" || entries[0].Error != "stopped" {
		t.Fatalf("entries[0]=%+v, want failure/stopped", entries[0])
	}
}

func TestStore_RotatesAndBoundsBackups(t *testing.T) {
	t.Parallel()

	s, err := New(Options{StateDir: t.TempDir(), MaxBytes: 256, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	big := strings.Repeat("x", 200)
	for i := 0; i < 20; i++ {
		s.Append(Entry{Action: ActionMessageSent, ConversationID: big})
	}

	files := s.listFilesLocked()
	// Active file plus at most MaxBackups rotated files.
	if len(files) < 2 || len(files) > 3 {
		t.Fatalf("len(files)=%d, want 2..3", len(files))
	}

	entries, err := s.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("List returned no entries after rotation")
	}
}

func TestStore_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var s *Store
	s.Append(Entry{Action: ActionMessageSent})
	entries, err := s.List(5)
	if err != nil || entries != nil {
		t.Fatalf("nil store List got=(%v,%v), want (nil,nil)", entries, err)
	}
}
