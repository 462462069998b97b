package digest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSumIsStable(t *testing.T) {
	t.Parallel()
	a, err := Sum(strings.NewReader("recording content"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	b, err := Sum(strings.NewReader("recording content"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if a != b {
		t.Error("same content must produce the same digest")
	}

	c, err := Sum(strings.NewReader("other content"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if a == c {
		t.Error("different content must produce different digests")
	}
}

func TestHexAndBytesRoundTrip(t *testing.T) {
	t.Parallel()
	d, err := Sum(strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}

	if got := len(d.Hex()); got != Size*2 {
		t.Errorf("hex length = %d, want %d", got, Size*2)
	}

	back, err := FromBytes(d.Bytes())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if back != d {
		t.Error("Bytes/FromBytes must round-trip")
	}

	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("short input must be rejected")
	}
}

func TestSumFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rec.opus")
	if err := os.WriteFile(path, []byte("file content"), 0o644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := SumFile(path)
	if err != nil {
		t.Fatalf("SumFile: %v", err)
	}
	fromReader, err := Sum(strings.NewReader("file content"))
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != fromReader {
		t.Error("SumFile must match Sum over the same content")
	}

	if _, err := SumFile(filepath.Join(t.TempDir(), "absent")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}
