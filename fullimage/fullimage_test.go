package fullimage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/otabuilder/otabuilder/image"
)

func writeImage(t *testing.T, dir, name string, blocks [][]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	for _, b := range blocks {
		block := make([]byte, image.BlockSize)
		copy(block, b)
		buf.Write(block)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildCopiesVerbatim(t *testing.T) {
	dir := t.TempDir()
	vendorPath := writeImage(t, dir, "vendor.img", [][]byte{{1}, {2}, {3}})
	system := writeImage(t, dir, "system.img", [][]byte{{9}, {8}})

	vendorImg, err := image.Open(vendorPath, "")
	if err != nil {
		t.Fatal(err)
	}
	defer vendorImg.Close()
	systemImg, err := image.Open(system, "")
	if err != nil {
		t.Fatal(err)
	}
	defer systemImg.Close()

	out := t.TempDir()
	b := &Builder{TempDir: out}
	entries, err := b.Build(context.Background(), []Request{
		{Partition: "vendor", Target: vendorImg},
		{Partition: "system", Target: systemImg},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	byName := make(map[string]Entry)
	for _, e := range entries {
		byName[e.Partition] = e
	}

	v := byName["vendor"]
	if v.Size != 3*image.BlockSize {
		t.Errorf("vendor size = %d, want %d", v.Size, 3*image.BlockSize)
	}
	if v.Command != "raw_write vendor" {
		t.Errorf("vendor command = %q", v.Command)
	}
	got, err := os.ReadFile(v.Path)
	if err != nil {
		t.Fatal(err)
	}
	want, err := os.ReadFile(vendorPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("copied vendor image does not match source bytes")
	}

	s := byName["system"]
	if s.Size != 2*image.BlockSize {
		t.Errorf("system size = %d, want %d", s.Size, 2*image.BlockSize)
	}
}
