package coordinator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
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

func writeMap(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeDiffer stands in for the external differ binary: it ignores its
// -s/-d/-l arguments and always writes the same single-sub-patch patch
// file to -p, matching the fixture used in patch/ and emit/ tests.
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

func TestRunRejectsUserdata(t *testing.T) {
	dir := t.TempDir()
	tgtPath := writeImage(t, dir, "userdata.img", [][]byte{{1}})
	c := &Coordinator{Options: Options{TempDir: t.TempDir(), DifferPath: fakeDiffer(t)}}
	_, err := c.Run(context.Background(), []Partition{
		{Name: "userdata", TargetImagePath: tgtPath, Full: true},
	})
	if err == nil {
		t.Fatal("expected userdata to be rejected")
	}
}

func TestRunRejectsIncrementalBoot(t *testing.T) {
	dir := t.TempDir()
	tgtPath := writeImage(t, dir, "boot.img", [][]byte{{1}})
	srcPath := writeImage(t, dir, "boot-src.img", [][]byte{{2}})
	c := &Coordinator{Options: Options{TempDir: t.TempDir(), DifferPath: fakeDiffer(t)}}
	_, err := c.Run(context.Background(), []Partition{
		{Name: "boot", TargetImagePath: tgtPath, SourceImagePath: srcPath},
	})
	if err == nil {
		t.Fatal("expected incremental boot to be rejected")
	}
}

func TestRunRejectsDowngrade(t *testing.T) {
	dir := t.TempDir()
	tgtPath := writeImage(t, dir, "system.img", [][]byte{{1}})
	c := &Coordinator{Options: Options{
		TempDir:       t.TempDir(),
		DifferPath:    fakeDiffer(t),
		SourceVersion: "1.2.3 v5",
		TargetVersion: "1.2.3 v4",
	}}
	_, err := c.Run(context.Background(), []Partition{
		{Name: "system", TargetImagePath: tgtPath, Full: true},
	})
	if err == nil {
		t.Fatal("expected downgrade to be rejected")
	}
}

func TestRunFullPartition(t *testing.T) {
	dir := t.TempDir()
	tgtPath := writeImage(t, dir, "vendor.img", [][]byte{{1}, {2}, {3}})
	out := t.TempDir()
	c := &Coordinator{Options: Options{TempDir: out, DifferPath: fakeDiffer(t)}}
	results, err := c.Run(context.Background(), []Partition{
		{Name: "vendor", TargetImagePath: tgtPath, Full: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].FullImage == nil {
		t.Fatal("expected a FullImage result")
	}
	if results[0].FullImage.Command != "raw_write vendor" {
		t.Errorf("command = %q", results[0].FullImage.Command)
	}
}

func TestRunGuardOnlyWhenIdentical(t *testing.T) {
	dir := t.TempDir()
	tgtPath := writeImage(t, dir, "system.img", [][]byte{{1}, {2}})
	srcPath := writeImage(t, dir, "system-src.img", [][]byte{{1}, {2}})
	out := t.TempDir()
	c := &Coordinator{Options: Options{TempDir: out, DifferPath: fakeDiffer(t)}}
	results, err := c.Run(context.Background(), []Partition{
		{Name: "system", TargetImagePath: tgtPath, SourceImagePath: srcPath},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].GuardOnly {
		t.Fatal("expected a guard-only result")
	}
	body, err := os.ReadFile(results[0].ListPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "first_block_check") || !strings.Contains(string(body), "abort_if_not_equal") {
		t.Errorf("guard list missing expected lines:\n%s", body)
	}
}

func TestRunIncrementalPartition(t *testing.T) {
	dir := t.TempDir()
	srcImgPath := writeImage(t, dir, "src.img", [][]byte{{1}, {2}})
	srcMapPath := writeMap(t, dir, "src.map", "/same 1,0,1\n/changed 1,1,2\n")
	tgtImgPath := writeImage(t, dir, "tgt.img", [][]byte{{1}, {9}})
	tgtMapPath := writeMap(t, dir, "tgt.map", "/same 1,0,1\n/changed 1,1,2\n")

	out := t.TempDir()
	c := &Coordinator{Options: Options{TempDir: out, DifferPath: fakeDiffer(t)}}
	results, err := c.Run(context.Background(), []Partition{
		{
			Name:            "system",
			TargetImagePath: tgtImgPath,
			TargetMapPath:   tgtMapPath,
			SourceImagePath: srcImgPath,
			SourceMapPath:   srcMapPath,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.GuardOnly || r.FullImage != nil {
		t.Fatalf("expected incremental result, got %+v", r)
	}
	body, err := os.ReadFile(r.ListPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "move ") {
		t.Errorf("transfer list missing a move command:\n%s", body)
	}
	if !strings.Contains(string(body), "pkgdiff ") {
		t.Errorf("transfer list missing a pkgdiff command:\n%s", body)
	}
}

func TestRunImagePatchFallback(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeImage(t, dir, "modem-src.img", [][]byte{{1}, {2}})
	tgtPath := writeImage(t, dir, "modem.img", [][]byte{{1}, {9}})

	out := t.TempDir()
	c := &Coordinator{Options: Options{TempDir: out, DifferPath: fakeDiffer(t), ChunkLimit: 100}}
	results, err := c.Run(context.Background(), []Partition{
		{Name: "modem", TargetImagePath: tgtPath, SourceImagePath: srcPath},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	body, err := os.ReadFile(r.ListPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "image_patch ") {
		t.Errorf("transfer list missing image_patch command:\n%s", body)
	}
	patchBytes, err := os.ReadFile(r.PatchDatPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(patchBytes) != 50 {
		t.Errorf("patch.dat = %d bytes, want 50", len(patchBytes))
	}
}
