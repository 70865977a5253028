package store

import (
	"errors"
	"log/slog"
	"testing"
)

func TestMessageStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	s := NewMessageStore(testDB(t), slog.Default())

	m := &Message{
		OwnerID:        7,
		ConversationID: "conv-1",
		Direction:      DirectionIn,
		Text:           "hello there",
		Language:       "en",
	}
	if err := s.Create(m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.ID == "" || m.TrackingID == "" {
		t.Fatal("Create should assign id and tracking id")
	}
	if m.Status != StatusProcessing {
		t.Errorf("Status = %q, want processing", m.Status)
	}

	got, err := s.Get(m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != m.Text || got.OwnerID != 7 || got.TrackingID != m.TrackingID {
		t.Errorf("Get = %+v, want round-trip of %+v", got, m)
	}
}

func TestMessageStore_GetMissing(t *testing.T) {
	t.Parallel()
	s := NewMessageStore(testDB(t), slog.Default())

	_, err := s.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestMessageStore_Thread(t *testing.T) {
	t.Parallel()
	s := NewMessageStore(testDB(t), slog.Default())

	var ids []string
	for i, text := range []string{"first", "second", "third"} {
		m := &Message{ConversationID: "c", Direction: DirectionIn, Text: text}
		if i%2 == 1 {
			m.Direction = DirectionOut
		}
		if err := s.Create(m); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, m.ID)
	}

	// Exclude the newest message, as the pipeline does for the current one.
	thread, err := s.Thread("c", ids[2], 10)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("len(thread) = %d, want 2", len(thread))
	}
	if thread[0].Text != "first" || thread[1].Text != "second" {
		t.Errorf("thread order = %q,%q, want chronological", thread[0].Text, thread[1].Text)
	}
}

func TestMessageStore_Update(t *testing.T) {
	t.Parallel()
	s := NewMessageStore(testDB(t), slog.Default())

	m := &Message{ConversationID: "c", Direction: DirectionIn, Text: "hi"}
	if err := s.Create(m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.Topic = "support"
	m.Language = "pt"
	m.Status = StatusComplete
	m.Provider = "openai"
	m.Model = "gpt-4o"
	if err := s.Update(m); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get(m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "support" || got.Status != StatusComplete || got.Model != "gpt-4o" {
		t.Errorf("updated = %+v", got)
	}

	bogus := &Message{ID: "missing"}
	if err := s.Update(bogus); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestOverrideStore_RoundTrip(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	s := NewOverrideStore(db)

	if _, ok, err := s.Get("m1", OverrideKeyPromptID); err != nil || ok {
		t.Fatalf("Get(absent) = ok=%v err=%v, want absent", ok, err)
	}

	if err := s.Set("m1", OverrideKeyPromptID, "support"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("m1", OverrideKeyModelID, "7"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := s.Get("m1", OverrideKeyPromptID)
	if err != nil || !ok || v != "support" {
		t.Errorf("Get = %q ok=%v err=%v, want support", v, ok, err)
	}

	// Last write wins.
	if err := s.Set("m1", OverrideKeyPromptID, "billing"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _, _ = s.Get("m1", OverrideKeyPromptID)
	if v != "billing" {
		t.Errorf("Get after rewrite = %q, want billing", v)
	}
}
