package registers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("registers:\n  - address: 0x9000\n    name: first\n")

	table := NewTable()
	reloaded := make(chan error, 8)
	w, err := Watch(path, table, func(err error) { reloaded <- err })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	// Initial merge happens synchronously.
	if info, ok := table.Lookup(0x9000); !ok || info.Name != "first" {
		t.Fatalf("initial merge missing: %+v, %v", info, ok)
	}

	write("registers:\n  - address: 0x9000\n    name: second\n")
	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after rewrite")
	}
	if info, _ := table.Lookup(0x9000); info.Name != "second" {
		t.Errorf("name after reload = %q, want %q", info.Name, "second")
	}
}

func TestWatch_MissingFile(t *testing.T) {
	if _, err := Watch(filepath.Join(t.TempDir(), "absent.yaml"), NewTable(), nil); err == nil {
		t.Error("Watch accepted a missing file")
	}
}
