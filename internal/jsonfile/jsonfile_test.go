package jsonfile

import (
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestLoadMissingFile(t *testing.T) {
	var d doc
	found, err := Load(filepath.Join(t.TempDir(), "nope.json"), &d)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatal("expected missing file to report not found")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	if err := Save(path, doc{Name: "a", Count: 3}); err != nil {
		t.Fatalf("save: %v", err)
	}

	var got doc
	found, err := Load(path, &got)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("unexpected document: %+v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the document, found %d entries", len(entries))
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var d doc
	if _, err := Load(path, &d); err == nil {
		t.Fatal("expected decode error")
	}
}
