package fs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestWriteFileAtomic(t *testing.T) {
	fsys := afero.NewMemMapFs()
	path := filepath.Join("var", "state.json")

	if err := WriteFileAtomic(fsys, path, []byte("hello")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		t.Fatalf("Failed to read back file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected 'hello', got %q", string(data))
	}

	// Overwrite must replace the previous content entirely
	if err := WriteFileAtomic(fsys, path, []byte("x")); err != nil {
		t.Fatalf("WriteFileAtomic overwrite failed: %v", err)
	}
	data, _ = afero.ReadFile(fsys, path)
	if string(data) != "x" {
		t.Errorf("Expected 'x' after overwrite, got %q", string(data))
	}
}

func TestWriteFileAtomic_NoTempLeftover(t *testing.T) {
	fsys := afero.NewMemMapFs()
	path := filepath.Join("var", "state.json")

	if err := WriteFileAtomic(fsys, path, []byte("data")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	entries, err := afero.ReadDir(fsys, "var")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Errorf("Unexpected leftover file: %s", e.Name())
		}
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	fsys := afero.NewMemMapFs()
	path := "state.json"

	v := map[string]any{"status": "ready", "attempt_count": 2}
	if err := AtomicWriteJSON(fsys, path, v); err != nil {
		t.Fatalf("AtomicWriteJSON failed: %v", err)
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		t.Fatalf("Failed to read back file: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if decoded["status"].(string) != "ready" {
		t.Errorf("Expected status=ready, got %v", decoded["status"])
	}
	if data[len(data)-1] != '\n' {
		t.Errorf("Expected trailing newline")
	}
}

func TestAppendNDJSONLine(t *testing.T) {
	fsys := afero.NewMemMapFs()
	path := filepath.Join("var", "journal.ndjson")

	for i := 0; i < 3; i++ {
		record := map[string]any{"seq": i, "outcome": "failed"}
		if err := AppendNDJSONLine(fsys, path, record); err != nil {
			t.Fatalf("AppendNDJSONLine failed: %v", err)
		}
	}

	f, err := fsys.Open(path)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineCount := 0
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("Failed to decode line %d: %v", lineCount, err)
		}
		if int(decoded["seq"].(float64)) != lineCount {
			t.Errorf("Expected seq=%d, got %v", lineCount, decoded["seq"])
		}
		lineCount++
	}
	if lineCount != 3 {
		t.Errorf("Expected 3 lines, got %d", lineCount)
	}
}

func TestTryLockFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "flock_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	lockPath := filepath.Join(tmpDir, "state.lock")

	release, err := TryLockFile(lockPath)
	if err != nil {
		t.Fatalf("TryLockFile failed: %v", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Re-acquirable after release
	release2, err := TryLockFile(lockPath)
	if err != nil {
		t.Fatalf("TryLockFile after release failed: %v", err)
	}
	defer release2()

	// Lock file must survive release (removing it would break advisory locking)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file was removed")
	}
}
