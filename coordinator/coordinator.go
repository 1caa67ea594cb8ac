// Package coordinator implements the top-level per-partition pipeline:
// given a set of partitions, it picks the cheapest applicable path (guard
// only, incremental, whole-image fallback, or full passthrough), enforces
// update policy, and aggregates every partition's outputs (§4.I
// Coordinator).
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	otabuilder "github.com/otabuilder/otabuilder"
	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/depgraph"
	"github.com/otabuilder/otabuilder/emit"
	"github.com/otabuilder/otabuilder/fullimage"
	"github.com/otabuilder/otabuilder/image"
	"github.com/otabuilder/otabuilder/internal/otaerr"
	"github.com/otabuilder/otabuilder/internal/softver"
	"github.com/otabuilder/otabuilder/patch"
	"github.com/otabuilder/otabuilder/transfer"
)

// bootPartition can never take the incremental path (§4.H, §4.I): it is
// read by the bootloader before any updater logic runs, so a partial or
// patched boot image that fails to apply leaves the device unable to boot
// far enough to retry. Full-image writes are all-or-nothing from the
// bootloader's perspective.
const bootPartition = "boot"

// userdataPartition holds user data and is never touched by an update
// package under any mode (§4.I).
const userdataPartition = "userdata"

// Options is the immutable configuration threaded through the Coordinator
// and every component it drives (§5 "configuration is carried in an
// explicit options object passed by value or immutable reference"; §9
// "the redesign threads an immutable configuration object through the
// Coordinator and derived components").
type Options struct {
	DifferPath    string
	ChunkLimit    int64 // LIMIT = ChunkLimit * image.BlockSize (§4.F)
	DifferTimeout time.Duration
	NoZip         bool // reject source packages bundled in a non-zip container
	TempDir       string
	SourceVersion string // soft-version string, e.g. "1.2.3 v5"
	TargetVersion string
	SourceIsZip   bool // whether the source package arrived as a zip container
}

func (o Options) limit() int64 {
	if o.ChunkLimit <= 0 {
		return image.BlockSize
	}
	return o.ChunkLimit * image.BlockSize
}

// Partition describes one partition's target (and optional source) image
// set and routing hints.
type Partition struct {
	Name string

	TargetImagePath string
	TargetMapPath   string // "" if the target has no map (whole-image fallback)

	SourceImagePath string // "" if there is no source for this partition
	SourceMapPath   string

	Full bool // explicitly listed as a full (non-incremental) partition
}

// Result is one partition's outcome.
type Result struct {
	Partition string

	// GuardOnly is set when source and target were byte-identical; no data
	// was emitted beyond the two guard lines in List.
	GuardOnly bool

	// FullImage is set when the partition went through the full-image
	// passthrough path.
	FullImage *fullimage.Entry

	ListPath     string
	NewDatPath   string
	PatchDatPath string
	Stats        emit.Stats
}

// Coordinator drives the pipeline over a partition set (§4.I).
type Coordinator struct {
	Options Options
}

// Run processes every partition, in parallel via golang.org/x/sync/errgroup
// (§5), and returns one Result per partition in the same order as input.
// Global policy (downgrade, zip requirement) is checked once up front;
// per-partition policy (userdata, boot) is checked per partition.
func (c *Coordinator) Run(ctx context.Context, partitions []Partition) ([]Result, error) {
	if c.Options.SourceVersion != "" && c.Options.TargetVersion != "" {
		if softver.IsDowngrade(c.Options.SourceVersion, c.Options.TargetVersion) {
			return nil, otaerr.Input("Downgrade", fmt.Errorf(
				"target version %q is older than source version %q",
				c.Options.TargetVersion, c.Options.SourceVersion))
		}
	}
	if c.Options.NoZip && !c.Options.SourceIsZip {
		return nil, otaerr.Input("SourceNotZip", fmt.Errorf("no-zip mode requires a zip-container source package"))
	}

	results := make([]Result, len(partitions))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range partitions {
		i, p := i, p
		g.Go(func() error {
			r, err := c.runPartition(ctx, p)
			if err != nil {
				return xerrors.Errorf("partition %s: %w", p.Name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) runPartition(ctx context.Context, p Partition) (Result, error) {
	if p.Name == userdataPartition {
		return Result{}, otaerr.Input("UserdataRejected", fmt.Errorf("userdata is never touched by an update package"))
	}
	if p.Name == bootPartition && !p.Full {
		return Result{}, otaerr.Input("BootIncrementalRejected", fmt.Errorf("boot must always take the full-image path"))
	}

	cleanup := &otabuilder.Cleanup{}
	defer cleanup.Run()

	if p.Full || p.SourceImagePath == "" {
		return c.runFull(ctx, p)
	}

	tgt, err := image.Open(p.TargetImagePath, p.TargetMapPath)
	if err != nil {
		return Result{}, err
	}
	cleanup.Register(tgt.Close)

	src, err := image.Open(p.SourceImagePath, p.SourceMapPath)
	if err != nil {
		return Result{}, err
	}
	cleanup.Register(src.Close)

	identical, err := filesEqual(p.SourceImagePath, p.TargetImagePath)
	if err != nil {
		return Result{}, err
	}
	if identical {
		return c.runGuardOnly(p, tgt)
	}

	if p.TargetMapPath != "" && p.SourceMapPath != "" {
		return c.runIncremental(ctx, p, src, tgt)
	}

	return c.runImagePatchFallback(ctx, p, src, tgt)
}

// runGuardOnly handles the byte-identical fast path (§4.I): a single sanity
// check against the first block and an abort guard, no data emitted.
func (c *Coordinator) runGuardOnly(p Partition, tgt *image.Image) (Result, error) {
	hash, err := tgt.RangeSHA256(blockset.New(blockset.Range{Start: 0, End: 1}))
	if err != nil {
		return Result{}, err
	}
	listPath := filepath.Join(c.Options.TempDir, p.Name+".transfer.list")
	body := fmt.Sprintf("first_block_check %s\nabort_if_not_equal\n", hash)
	if err := renameio.WriteFile(listPath, []byte(body), 0o644); err != nil {
		return Result{}, otaerr.IO("TransferListWrite", err)
	}
	return Result{Partition: p.Name, GuardOnly: true, ListPath: listPath}, nil
}

// runFull routes p through the non-incremental passthrough path (§4.H).
func (c *Coordinator) runFull(ctx context.Context, p Partition) (Result, error) {
	tgt, err := image.Open(p.TargetImagePath, "")
	if err != nil {
		return Result{}, err
	}
	defer tgt.Close()

	b := &fullimage.Builder{TempDir: c.Options.TempDir}
	entries, err := b.Build(ctx, []fullimage.Request{{Partition: p.Name, Target: tgt}})
	if err != nil {
		return Result{}, err
	}
	return Result{Partition: p.Name, FullImage: &entries[0]}, nil
}

// runIncremental drives the full incremental pipeline: classify, schedule,
// chunk-patch, emit (§4.C-§4.G).
func (c *Coordinator) runIncremental(ctx context.Context, p Partition, src, tgt *image.Image) (Result, error) {
	m := &transfer.Manager{Target: tgt, Source: src}
	actions, err := m.Classify()
	if err != nil {
		return Result{}, err
	}
	items, stashes, err := depgraph.Schedule(actions)
	if err != nil {
		return Result{}, err
	}

	engine := &patch.Engine{
		Differ:  patch.Differ{Path: c.Options.DifferPath, Timeout: c.Options.DifferTimeout, PkgDiff: true},
		Source:  src,
		Target:  tgt,
		TempDir: c.Options.TempDir,
	}
	patcher := &patch.ChunkedPatcher{Engine: engine, Limit: c.Options.limit()}

	return c.emitResult(ctx, p, tgt, src, patcher, items, actions, stashes)
}

// runImagePatchFallback handles partitions that have images but no map
// files on at least one side: the differ runs once on the whole image and
// the result is emitted as a single guarded image_patch command (§4.I).
func (c *Coordinator) runImagePatchFallback(ctx context.Context, p Partition, src, tgt *image.Image) (Result, error) {
	full := blockset.New(blockset.Range{Start: 0, End: tgt.TotalBlocks()})
	srcFull := blockset.New(blockset.Range{Start: 0, End: src.TotalBlocks()})

	engine := &patch.Engine{
		Differ:  patch.Differ{Path: c.Options.DifferPath, Timeout: c.Options.DifferTimeout, PkgDiff: false},
		Source:  src,
		Target:  tgt,
		TempDir: c.Options.TempDir,
	}
	res, err := engine.Run(ctx, srcFull, full, c.Options.limit())
	if err != nil {
		return Result{}, err
	}

	patchDatPath := filepath.Join(c.Options.TempDir, p.Name+".patch.dat")
	patchBytes := res.Patch
	if res.Promoted {
		patchBytes = res.Bytes
	}
	if err := renameio.WriteFile(patchDatPath, patchBytes, 0o644); err != nil {
		return Result{}, otaerr.IO("PatchDatWrite", err)
	}

	srcHash, err := src.RangeSHA256(srcFull)
	if err != nil {
		return Result{}, err
	}
	tgtHash, err := tgt.RangeSHA256(full)
	if err != nil {
		return Result{}, err
	}

	listPath := filepath.Join(c.Options.TempDir, p.Name+".transfer.list")
	body := fmt.Sprintf("image_patch 0 %d %d %d %s %s\n",
		len(patchBytes), src.TotalBlocks()*image.BlockSize, tgt.TotalBlocks()*image.BlockSize, srcHash, tgtHash)
	if err := renameio.WriteFile(listPath, []byte(body), 0o644); err != nil {
		return Result{}, otaerr.IO("TransferListWrite", err)
	}

	return Result{
		Partition:    p.Name,
		ListPath:     listPath,
		PatchDatPath: patchDatPath,
		Stats:        emit.Stats{PatchDatBytes: int64(len(patchBytes))},
	}, nil
}

// emitResult wires an Emitter to atomically-committed sinks and runs it.
func (c *Coordinator) emitResult(ctx context.Context, p Partition, tgt, src *image.Image, patcher *patch.ChunkedPatcher, items []depgraph.Item, actions []transfer.Action, stashes map[int]depgraph.Stash) (Result, error) {
	listPath := filepath.Join(c.Options.TempDir, p.Name+".transfer.list")
	newDatPath := filepath.Join(c.Options.TempDir, p.Name+".new.dat")
	patchDatPath := filepath.Join(c.Options.TempDir, p.Name+".patch.dat")

	listFile, err := renameio.TempFile("", listPath)
	if err != nil {
		return Result{}, otaerr.IO("TempFileCreate", err)
	}
	defer listFile.Cleanup()
	newDatFile, err := renameio.TempFile("", newDatPath)
	if err != nil {
		return Result{}, otaerr.IO("TempFileCreate", err)
	}
	defer newDatFile.Cleanup()
	patchDatFile, err := renameio.TempFile("", patchDatPath)
	if err != nil {
		return Result{}, otaerr.IO("TempFileCreate", err)
	}
	defer patchDatFile.Cleanup()

	e := &emit.Emitter{Target: tgt, Source: src, Patcher: patcher}
	stats, err := e.Run(ctx, items, actions, stashes, emit.Sinks{List: listFile, NewDat: newDatFile, PatchDat: patchDatFile})
	if err != nil {
		return Result{}, err
	}

	if err := listFile.CloseAtomicallyReplace(); err != nil {
		return Result{}, otaerr.IO("TransferListCommit", err)
	}
	if err := newDatFile.CloseAtomicallyReplace(); err != nil {
		return Result{}, otaerr.IO("NewDatCommit", err)
	}
	if err := patchDatFile.CloseAtomicallyReplace(); err != nil {
		return Result{}, otaerr.IO("PatchDatCommit", err)
	}

	return Result{
		Partition:    p.Name,
		ListPath:     listPath,
		NewDatPath:   newDatPath,
		PatchDatPath: patchDatPath,
		Stats:        stats,
	}, nil
}

// filesEqual is the "cheap file-level compare first" of §4.I: it compares
// size, then content, without materializing either file fully in memory.
func filesEqual(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, otaerr.IO("Stat", err)
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false, otaerr.IO("Stat", err)
	}
	if fa.Size() != fb.Size() {
		return false, nil
	}

	ra, err := os.Open(a)
	if err != nil {
		return false, otaerr.IO("Open", err)
	}
	defer ra.Close()
	rb, err := os.Open(b)
	if err != nil {
		return false, otaerr.IO("Open", err)
	}
	defer rb.Close()

	bufA := make([]byte, 1<<20)
	bufB := make([]byte, 1<<20)
	for {
		na, erra := io.ReadFull(ra, bufA)
		nb, errb := io.ReadFull(rb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if erra == io.EOF || erra == io.ErrUnexpectedEOF {
			return true, nil
		}
		if erra != nil {
			return false, otaerr.IO("Read", erra)
		}
		_ = errb
	}
}
