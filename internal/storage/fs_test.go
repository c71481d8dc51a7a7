package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempStore(t *testing.T) *FS {
	t.Helper()
	s, err := NewFS(filepath.Join(t.TempDir(), "attachments"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func TestPutAndOpen(t *testing.T) {
	s := tempStore(t)
	n, err := s.Put("abc.png", strings.NewReader("PNGDATA"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 7 {
		t.Errorf("written = %d", n)
	}
	f, err := s.Open("abc.png")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "PNGDATA" {
		t.Errorf("content = %q", got)
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Put("a.bin", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.bin" {
		t.Errorf("entries = %v", entries)
	}
}

func TestDelete(t *testing.T) {
	s := tempStore(t)
	_, _ = s.Put("del.bin", strings.NewReader("bye"))
	if err := s.Delete("del.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open("del.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open after delete: %v", err)
	}
	if err := s.Delete("del.bin"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestPathTraversal(t *testing.T) {
	s := tempStore(t)
	for _, name := range []string{"../escape.bin", "/etc/passwd", "", "."} {
		if _, err := s.Put(name, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) should fail", name)
		}
	}
	if _, err := s.Open("../../etc/passwd"); err == nil {
		t.Error("Open outside root should fail")
	}
}
