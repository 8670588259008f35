package logging

import (
	"log"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitReadTailClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sshdash.log")
	Init(path)
	defer Close()

	for i := 0; i < 5; i++ {
		log.Printf("line %d", i)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("ReadTail(2) returned %d lines, want 2: %q", len(lines), tail)
	}
	if !strings.HasSuffix(lines[1], "line 4") {
		t.Errorf("last line = %q, want suffix %q", lines[1], "line 4")
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	tail, err = ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail() after Clear error: %v", err)
	}
	if tail != "" {
		t.Errorf("ReadTail() after Clear = %q, want empty", tail)
	}
}
