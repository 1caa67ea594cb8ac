package patch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/otabuilder/otabuilder/blockset"
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

// fakeDiffer writes a shell script standing in for the external differ
// binary. It ignores the content of -s/-d and always writes the same
// well-formed single-sub-patch patch file to -p, regardless of -l: magic
// "OTAPATCH", a count of 1, one 28-byte descriptor whose trailing 8 bytes
// hold the little-endian body offset (40), followed by a 10-byte body.
func fakeDiffer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakediffer.sh")
	script := `#!/bin/sh
patch=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    -p) patch="$2"; shift 2 ;;
    *) shift ;;
  esac
done
printf '%s' 'OTAPATCH' > "$patch"
printf '\001\000\000\000' >> "$patch"
printf '\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000' >> "$patch"
printf '\050\000\000\000\000\000\000\000' >> "$patch"
printf '%s' 'HELLOHELLO' >> "$patch"
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEngineRunPromotesEmptySource(t *testing.T) {
	dir := t.TempDir()
	tgtPath := writeImage(t, dir, "tgt.img", [][]byte{{1}, {2}})
	tgt, err := image.Open(tgtPath, "")
	if err != nil {
		t.Fatal(err)
	}
	defer tgt.Close()

	e := &Engine{Target: tgt, TempDir: dir}
	res, err := e.Run(context.Background(), blockset.BlockSet{}, blockset.New(blockset.Range{0, 2}), 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Promoted {
		t.Fatal("want Promoted for empty source")
	}
	if len(res.Bytes) != 2*image.BlockSize {
		t.Errorf("Bytes = %d, want %d", len(res.Bytes), 2*image.BlockSize)
	}
}

func TestEngineRunInvokesDiffer(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeImage(t, dir, "src.img", [][]byte{{1}, {2}})
	tgtPath := writeImage(t, dir, "tgt.img", [][]byte{{3}, {4}})
	src, err := image.Open(srcPath, "")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	tgt, err := image.Open(tgtPath, "")
	if err != nil {
		t.Fatal(err)
	}
	defer tgt.Close()

	e := &Engine{
		Differ:  Differ{Path: fakeDiffer(t), PkgDiff: true},
		Source:  src,
		Target:  tgt,
		TempDir: dir,
	}
	res, err := e.Run(context.Background(), blockset.New(blockset.Range{0, 2}), blockset.New(blockset.Range{0, 2}), 4096)
	if err != nil {
		t.Fatal(err)
	}
	if res.Promoted {
		t.Fatal("want non-promoted result")
	}
	if len(res.Patch) != 50 {
		t.Errorf("Patch len = %d, want 50", len(res.Patch))
	}
}
