// manager_test.go - Tests for storage layer
package storage

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func createTestStore(t *testing.T) (*LocalStore, afero.Fs) {
	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/uploads")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, fs
}

func TestNewLocalStore(t *testing.T) {
	t.Run("creates upload directory on disk", func(t *testing.T) {
		uploadDir := filepath.Join(t.TempDir(), "uploads")

		store, err := NewLocalStore(uploadDir)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if store.uploadDir != uploadDir {
			t.Errorf("Expected uploadDir %s, got %s", uploadDir, store.uploadDir)
		}

		ok, err := afero.DirExists(afero.NewOsFs(), uploadDir)
		if err != nil || !ok {
			t.Error("Expected upload directory to be created")
		}
	})

	t.Run("memory store starts empty", func(t *testing.T) {
		store := NewMemoryStore()
		if store.Len() != 0 {
			t.Errorf("Expected empty store, got %d entries", store.Len())
		}
	})
}

func TestLocalStore_Save(t *testing.T) {
	t.Run("saves file from reader", func(t *testing.T) {
		store, fs := createTestStore(t)

		content := "Hello, World!"
		info, err := store.Save("test.png", "image/png", strings.NewReader(content))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}

		if info.ID == "" {
			t.Error("Expected ID to be set")
		}
		if info.Name != "test.png" {
			t.Errorf("Expected name 'test.png', got %v", info.Name)
		}
		if info.Size != int64(len(content)) {
			t.Errorf("Expected size %d, got %d", len(content), info.Size)
		}
		if info.ContentType != "image/png" {
			t.Errorf("Expected content type image/png, got %v", info.ContentType)
		}

		data, err := afero.ReadFile(fs, filepath.Join("/uploads", info.ID))
		if err != nil {
			t.Fatalf("Failed to read saved file: %v", err)
		}
		if string(data) != content {
			t.Errorf("Expected content %q, got %q", content, string(data))
		}
	})

	t.Run("saves empty file", func(t *testing.T) {
		store, _ := createTestStore(t)

		info, err := store.Save("empty.png", "", strings.NewReader(""))
		if err != nil {
			t.Fatalf("Failed to save empty file: %v", err)
		}
		if info.Size != 0 {
			t.Errorf("Expected size 0, got %d", info.Size)
		}
	})

	t.Run("same name gets distinct ids", func(t *testing.T) {
		store, _ := createTestStore(t)

		a, _ := store.Save("dup.png", "", strings.NewReader("a"))
		b, _ := store.Save("dup.png", "", strings.NewReader("b"))
		if a.ID == b.ID {
			t.Error("Expected distinct IDs for files sharing a name")
		}
		if store.Len() != 2 {
			t.Errorf("Expected 2 entries, got %d", store.Len())
		}
	})
}

func TestLocalStore_Open(t *testing.T) {
	store, _ := createTestStore(t)

	info, _ := store.Save("a.png", "", strings.NewReader("pixels"))

	rc, err := store.Open(info.ID)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "pixels" {
		t.Errorf("Expected 'pixels', got %q", string(data))
	}

	if _, err := store.Open("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_Delete(t *testing.T) {
	t.Run("removes metadata and bytes", func(t *testing.T) {
		store, fs := createTestStore(t)

		info, _ := store.Save("a.png", "", strings.NewReader("x"))
		if err := store.Delete(info.ID); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}

		if _, err := store.Get(info.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
		exists, _ := afero.Exists(fs, filepath.Join("/uploads", info.ID))
		if exists {
			t.Error("Expected physical file to be removed")
		}
	})

	t.Run("second delete fails", func(t *testing.T) {
		store, _ := createTestStore(t)

		info, _ := store.Save("a.png", "", strings.NewReader("x"))
		_ = store.Delete(info.ID)
		if err := store.Delete(info.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestLocalStore_PurgeUntracked(t *testing.T) {
	store, fs := createTestStore(t)

	kept, err := store.Save("keep.png", "image/png", strings.NewReader("keep"))
	if err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	for _, orphan := range []string{"stale-1", "stale-2"} {
		if err := afero.WriteFile(fs, filepath.Join("/uploads", orphan), []byte("old"), 0644); err != nil {
			t.Fatalf("Failed to write orphan: %v", err)
		}
	}
	if err := fs.Mkdir("/uploads/nested", 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	removed, err := store.PurgeUntracked()
	if err != nil {
		t.Fatalf("Failed to purge: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed files, got %d", removed)
	}
	if ok, _ := afero.Exists(fs, filepath.Join("/uploads", kept.ID)); !ok {
		t.Error("Expected tracked file to survive purge")
	}
	if ok, _ := afero.DirExists(fs, "/uploads/nested"); !ok {
		t.Error("Expected directories to be left alone")
	}
}
