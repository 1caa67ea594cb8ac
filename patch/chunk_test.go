package patch

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/image"
	"github.com/otabuilder/otabuilder/internal/otaerr"
)

func TestParsePatchBodySizes(t *testing.T) {
	// header: magic(8) + count(4)=2 + 2 descriptors(28 each), offsets 40 and 60.
	var patch []byte
	patch = append(patch, []byte("OTAPATCH")...)
	patch = binary.LittleEndian.AppendUint32(patch, 2)
	desc := func(offset uint64) []byte {
		d := make([]byte, 28)
		binary.LittleEndian.PutUint64(d[20:], offset)
		return d
	}
	patch = append(patch, desc(40)...)
	patch = append(patch, desc(60)...)
	patch = append(patch, make([]byte, 20)...) // body 0: 20 bytes [40,60)
	patch = append(patch, make([]byte, 15)...) // body 1: 15 bytes [60,75)

	sizes, err := parsePatchBodySizes(patch)
	if err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 2 || sizes[0] != 20 || sizes[1] != 15 {
		t.Fatalf("sizes = %v, want [20 15]", sizes)
	}
}

func TestParsePatchBodySizesShort(t *testing.T) {
	if _, err := parsePatchBodySizes([]byte("short")); !otaerr.Is(err, otaerr.KindInvariant, "PatchHeaderShort") {
		t.Fatalf("err = %v, want PatchHeaderShort", err)
	}
}

func TestPackGroups(t *testing.T) {
	cases := []struct {
		name       string
		bodySizes  []int64
		fileLimit  int64
		limit      int64
		wantGroups []int64
	}{
		{"single under limit", []int64{10}, 100, 1000, []int64{100}},
		{"close on overflow", []int64{600, 600}, 100, 1000, []int64{100, 100}},
		{"no bodies", nil, 100, 1000, []int64{100}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := packGroups(c.bodySizes, c.fileLimit, c.limit)
			if len(got) != len(c.wantGroups) {
				t.Fatalf("groups = %v, want %v", got, c.wantGroups)
			}
			for i := range got {
				if got[i] != c.wantGroups[i] {
					t.Errorf("groups = %v, want %v", got, c.wantGroups)
				}
			}
		})
	}
}

func TestSplitIntoTens(t *testing.T) {
	p1, p2, err := splitIntoTens(100)
	if err != nil {
		t.Fatal(err)
	}
	if p1+p2 != 100 || p1%10 != 0 || p2%10 != 0 || p1 <= 0 || p2 <= 0 {
		t.Fatalf("split(100) = %d,%d", p1, p2)
	}

	if _, _, err := splitIntoTens(7); !otaerr.Is(err, otaerr.KindScheduling, "SplitImpossible") {
		t.Fatalf("err = %v, want SplitImpossible", err)
	}
	if _, _, err := splitIntoTens(10); !otaerr.Is(err, otaerr.KindScheduling, "SplitImpossible") {
		t.Fatalf("err = %v, want SplitImpossible for n=10", err)
	}
}

func TestChunkedPatcherRunAccepts(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeImage(t, dir, "src.img", make([][]byte, 10))
	tgtPath := writeImage(t, dir, "tgt.img", [][]byte{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}, {10}})
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
	cp := &ChunkedPatcher{Engine: e, Limit: 100 * image.BlockSize}

	srcBS := blockset.New(blockset.Range{0, 10})
	tgtBS := blockset.New(blockset.Range{0, 10})
	chunks, err := cp.Run(context.Background(), srcBS, tgtBS)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if got := chunks[0].TgtBlocks.Size(); got != 10 {
		t.Errorf("TgtBlocks size = %d, want 10", got)
	}
	if len(chunks[0].Patch) != 50 {
		t.Errorf("patch len = %d, want 50", len(chunks[0].Patch))
	}
}

func TestChunkedPatcherRunSplitImpossible(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeImage(t, dir, "src.img", make([][]byte, 10))
	tgtPath := writeImage(t, dir, "tgt.img", [][]byte{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}, {10}})
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
	// Limit smaller than the fixture's fixed 50-byte patch forces a bisect
	// attempt on a 1-block group, which is not a multiple of 10.
	cp := &ChunkedPatcher{Engine: e, Limit: 20}

	srcBS := blockset.New(blockset.Range{0, 10})
	tgtBS := blockset.New(blockset.Range{0, 10})
	_, err = cp.Run(context.Background(), srcBS, tgtBS)
	if !otaerr.Is(err, otaerr.KindScheduling, "SplitImpossible") {
		t.Fatalf("err = %v, want SplitImpossible", err)
	}
}
