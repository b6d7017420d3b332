package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLines(t *testing.T, path string, n int, trailingNewline bool) {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d", i)
		if i < n || trailingNewline {
			b.WriteByte('\n')
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTailLastN(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.log")
	writeLines(t, p, 500, true)
	lines, err := Tail(p, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 50 {
		t.Fatalf("len=%d", len(lines))
	}
	if lines[0] != "line 451" || lines[49] != "line 500" {
		t.Fatalf("window: first=%q last=%q", lines[0], lines[49])
	}
}

func TestTailMoreThanFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.log")
	writeLines(t, p, 3, true)
	lines, err := Tail(p, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 || lines[0] != "line 1" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestTailNoTrailingNewline(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.log")
	writeLines(t, p, 5, false)
	lines, err := Tail(p, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[1] != "line 5" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	lines, err := Tail(filepath.Join(t.TempDir(), "missing.log"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("lines=%v", lines)
	}
}

func TestTailZeroAndEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.log")
	writeLines(t, p, 10, true)
	if lines, err := Tail(p, 0); err != nil || len(lines) != 0 {
		t.Fatalf("n=0: lines=%v err=%v", lines, err)
	}
	empty := filepath.Join(t.TempDir(), "empty.log")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if lines, err := Tail(empty, 10); err != nil || len(lines) != 0 {
		t.Fatalf("empty: lines=%v err=%v", lines, err)
	}
}

func TestTailSpansChunks(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.log")
	long := strings.Repeat("x", 1000)
	var b strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "%s %d\n", long, i)
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := Tail(p, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 150 {
		t.Fatalf("len=%d", len(lines))
	}
	if !strings.HasSuffix(lines[0], " 50") || !strings.HasSuffix(lines[149], " 199") {
		t.Fatalf("window: first=%q last=%q", lines[0][len(lines[0])-5:], lines[149][len(lines[149])-5:])
	}
}

func TestOpenAppendCreatesParents(t *testing.T) {
	p := filepath.Join(t.TempDir(), "deep", "nested", "a.log")
	f, err := OpenAppend(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("hello\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	// Append mode: a second handle continues the file.
	f2, err := OpenAppend(p)
	if err != nil {
		t.Fatal(err)
	}
	f2.WriteString("world\n")
	f2.Close()
	lines, err := Tail(p, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestDefaultPathSanitizes(t *testing.T) {
	got := DefaultPath("/var/log/svc", "ab/cd\\ef:gh")
	want := filepath.Join("/var/log/svc", "ab_cd_ef_gh.log")
	if got != want {
		t.Fatalf("got=%q want=%q", got, want)
	}
}
