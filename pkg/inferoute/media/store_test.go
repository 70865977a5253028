package media

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testMediaStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	cfg.BaseDir = t.TempDir()
	s, err := NewStore(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()
	s := testMediaStore(t, StoreConfig{})

	asset, err := s.Save([]byte("fake png bytes"), "pic.png", "image/png", TypeImage)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if asset.ID == "" || asset.Size != int64(len("fake png bytes")) {
		t.Errorf("asset = %+v", asset)
	}

	got, ok := s.Get(asset.ID)
	if !ok || got.Filename != asset.Filename {
		t.Errorf("Get = %+v ok=%v", got, ok)
	}

	data, err := os.ReadFile(s.Path(asset))
	if err != nil || string(data) != "fake png bytes" {
		t.Errorf("stored file = %q err=%v", data, err)
	}
}

func TestStore_SaveTooLarge(t *testing.T) {
	t.Parallel()
	s := testMediaStore(t, StoreConfig{MaxFileSize: 4})

	_, err := s.Save([]byte("way too big"), "x.bin", "application/octet-stream", TypeImage)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Save = %v, want ErrTooLarge", err)
	}
}

func TestStore_Download(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("remote image"))
	}))
	t.Cleanup(srv.Close)

	s := testMediaStore(t, StoreConfig{})
	asset, err := s.Download(context.Background(), srv.URL+"/gen/output.png", TypeImage)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if asset.MimeType != "image/png" || asset.SourceURL == "" {
		t.Errorf("asset = %+v", asset)
	}
	data, _ := os.ReadFile(s.Path(asset))
	if string(data) != "remote image" {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestStore_DeleteExpired(t *testing.T) {
	t.Parallel()
	s := testMediaStore(t, StoreConfig{TTL: time.Millisecond})

	asset, err := s.Save([]byte("short lived"), "x.png", "image/png", TypeImage)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if n := s.DeleteExpired(); n != 1 {
		t.Errorf("DeleteExpired = %d, want 1", n)
	}
	if _, ok := s.Get(asset.ID); ok {
		t.Error("expired asset still retrievable")
	}
	if _, err := os.Stat(s.Path(asset)); !os.IsNotExist(err) {
		t.Error("expired asset file still on disk")
	}
}
