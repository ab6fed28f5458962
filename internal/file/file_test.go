package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "list.json")

	var missing []string
	found, err := ReadJSON(path, &missing)
	if err != nil || found {
		t.Fatalf("missing file should be not found without error, got found=%v err=%v", found, err)
	}

	if err := WriteJSONAtomic(path, []string{"a", "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []string
	found, err = ReadJSON(path, &got)
	if err != nil || !found {
		t.Fatalf("read: found=%v err=%v", found, err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected content: %v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestReadJSONCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var v map[string]any
	if _, err := ReadJSON(path, &v); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestWriterCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "song.mp3")
	w := NewWriter(path)
	if _, err := w.Write([]byte("ID3")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file must not exist before commit")
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "ID3" {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
}
