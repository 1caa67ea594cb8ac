// Package emit assembles a scheduled action stream into the on-device
// transfer-list text plus the new.dat/patch.dat binary sinks, and verifies
// the result against the byte-count identity the on-device updater relies
// on (§4.G TransferListEmitter, §8.3).
package emit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/depgraph"
	"github.com/otabuilder/otabuilder/image"
	"github.com/otabuilder/otabuilder/internal/otaerr"
	"github.com/otabuilder/otabuilder/patch"
	"github.com/otabuilder/otabuilder/transfer"
)

// Version is the transfer-list header's format version (§4.G item 1).
const Version = 1

// Sinks are the three outputs one partition's emission writes to.
type Sinks struct {
	List     io.Writer // text transfer list
	NewDat   io.Writer // append-only, NEW action bytes in scheduled order
	PatchDat io.Writer // append-only, DIFF patch blobs in scheduled order
}

// Stats summarizes one Run, also used to populate the transfer-list header.
type Stats struct {
	TotalBlocksTouched int64
	MaxLiveStashes     int
	MaxStashedBlocks   int64
	NewDatBytes        int64
	PatchDatBytes      int64
}

// Emitter turns a scheduled item stream into commands, side-file bytes, and
// the header statistics §4.G requires.
type Emitter struct {
	Target  *image.Image
	Source  *image.Image // nil if the partition has no source
	Patcher *patch.ChunkedPatcher
}

// Run writes the transfer list and side-file bytes for one partition's
// scheduled items, in scheduled order (§5 Ordering guarantees), then runs
// the post-pass identity check (§4.G, §8.3).
func (e *Emitter) Run(ctx context.Context, items []depgraph.Item, actions []transfer.Action, stashes map[int]depgraph.Stash, sinks Sinks) (Stats, error) {
	var stats Stats
	var lines []string
	var patchOffset int64
	live := map[int]blockset.BlockSet{}

	// readerStash maps an action index that is the Reader of some stash
	// (depgraph.go's Stash.Reader) to that stash, so emitAction can render
	// the reader's source side as "from stash N" instead of the live,
	// already-overwritten source blocks (§3 "read from the stash instead",
	// scenario S4's "move ... from stash 0").
	readerStash := map[int]depgraph.Stash{}
	for _, st := range stashes {
		readerStash[st.Reader] = st
	}

	// Every incremental partition's command stream is prefixed with a
	// first_block_check/abort_if_not_equal guard, a defensive sanity check
	// that the on-device source partition still matches what the package
	// was built against (original_source/build_update.py).
	if e.Source != nil {
		hash, err := e.Source.RangeSHA256(blockset.New(blockset.Range{Start: 0, End: 1}))
		if err != nil {
			return stats, err
		}
		lines = append(lines, fmt.Sprintf("first_block_check %s", hash), "abort_if_not_equal")
	}

	for _, it := range items {
		switch it.Kind {
		case depgraph.ItemAction:
			a := actions[it.ActionIndex]
			stats.TotalBlocksTouched += a.TgtBlocks.Size()
			var stashPtr *depgraph.Stash
			if st, ok := readerStash[it.ActionIndex]; ok {
				stashPtr = &st
			}
			cmds, n, err := e.emitAction(ctx, a, stashPtr, sinks, &patchOffset)
			if err != nil {
				return stats, err
			}
			lines = append(lines, cmds...)
			switch a.Type {
			case transfer.New:
				stats.NewDatBytes += n
			case transfer.Diff:
				stats.PatchDatBytes += n
			}

		case depgraph.ItemStash:
			live[it.Stash.ID] = it.Stash.Blocks
			if n := len(live); n > stats.MaxLiveStashes {
				stats.MaxLiveStashes = n
			}
			var blocks int64
			for _, bs := range live {
				blocks += bs.Size()
			}
			if blocks > stats.MaxStashedBlocks {
				stats.MaxStashedBlocks = blocks
			}
			lines = append(lines, fmt.Sprintf("stash %d %s", it.Stash.ID, it.Stash.Blocks.ToCompactString()))

		case depgraph.ItemFree:
			delete(live, it.FreeID)
			lines = append(lines, fmt.Sprintf("free %d", it.FreeID))
		}
	}

	if err := writeList(sinks.List, stats, lines); err != nil {
		return stats, err
	}
	if err := verify(lines, stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// emitAction produces the command line(s) for one action and, for New and
// Diff, appends bytes to the matching sink. n is the byte count appended
// (0 for Zero and Move).
func (e *Emitter) emitAction(ctx context.Context, a transfer.Action, stash *depgraph.Stash, sinks Sinks, patchOffset *int64) ([]string, int64, error) {
	switch a.Type {
	case transfer.Zero:
		r := a.TgtBlocks.ToCompactString()
		return []string{
			fmt.Sprintf("erase %s", r),
			fmt.Sprintf("zero %s", r),
		}, 0, nil

	case transfer.New:
		n, err := io.Copy(sinks.NewDat, e.Target.Stream(a.TgtBlocks))
		if err != nil {
			return nil, 0, otaerr.IO("NewDatWrite", err)
		}
		return []string{fmt.Sprintf("new %s", a.TgtBlocks.ToCompactString())}, n, nil

	case transfer.Move:
		hash, err := e.Target.RangeSHA256(a.TgtBlocks)
		if err != nil {
			return nil, 0, err
		}
		return []string{fmt.Sprintf("move %s %s %s", hash, a.TgtBlocks.ToCompactString(), formatSourceRef(a.SrcBlocks, stash))}, 0, nil

	case transfer.Diff:
		return e.emitDiff(ctx, a, stash, sinks, patchOffset)

	default:
		return nil, 0, otaerr.Invariant("UnknownActionType", fmt.Errorf("action type %v", a.Type))
	}
}

// formatSourceRef renders a command's source-side field: the plain compact
// block range when no stash covers it, "from stash N" when stash fully
// covers blocks, or "from stash N <remainder>" when the stash covers only
// part of blocks (as happens per-chunk under ChunkedPatcher, which
// subdivides a DIFF action's SrcBlocks into smaller sub-ranges that a
// stash covering the whole action may only partially overlap).
func formatSourceRef(blocks blockset.BlockSet, stash *depgraph.Stash) string {
	if stash == nil {
		return blocks.ToCompactString()
	}
	covered := blocks.Intersect(stash.Blocks)
	if covered.Empty() {
		return blocks.ToCompactString()
	}
	remainder := blocks.Subtract(stash.Blocks)
	if remainder.Empty() {
		return fmt.Sprintf("from stash %d", stash.ID)
	}
	return fmt.Sprintf("from stash %d %s", stash.ID, remainder.ToCompactString())
}

// emitDiff runs the ChunkedPatcher over one DIFF action and emits one
// command per accepted chunk, in target-block order (§4.F item 4, §4.G
// ordering guarantees). The command layout mirrors the source differ's own
// diff_str format: type, patch.dat offset, length, source hash, target
// hash, target range, source block count, source range.
func (e *Emitter) emitDiff(ctx context.Context, a transfer.Action, stash *depgraph.Stash, sinks Sinks, patchOffset *int64) ([]string, int64, error) {
	chunks, err := e.Patcher.Run(ctx, a.SrcBlocks, a.TgtBlocks)
	if err != nil {
		return nil, 0, err
	}

	cmdName := "bsdiff"
	if e.Patcher.Engine.Differ.PkgDiff {
		cmdName = "pkgdiff"
	}

	var lines []string
	var total int64
	for _, ch := range chunks {
		if len(ch.Patch) > 0 {
			if _, err := sinks.PatchDat.Write(ch.Patch); err != nil {
				return nil, 0, otaerr.IO("PatchDatWrite", err)
			}
		}
		srcHash, err := e.Source.RangeSHA256(ch.SrcBlocks)
		if err != nil {
			return nil, 0, err
		}
		tgtHash, err := e.Target.RangeSHA256(ch.TgtBlocks)
		if err != nil {
			return nil, 0, err
		}
		lines = append(lines, fmt.Sprintf("%s %d %d %s %s %s %d %s",
			cmdName, *patchOffset, len(ch.Patch), srcHash, tgtHash,
			ch.TgtBlocks.ToCompactString(), ch.SrcBlocks.Size(), formatSourceRef(ch.SrcBlocks, stash)))
		*patchOffset += int64(len(ch.Patch))
		total += int64(len(ch.Patch))
	}
	return lines, total, nil
}

func writeList(w io.Writer, stats Stats, lines []string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, Version)
	fmt.Fprintln(bw, stats.TotalBlocksTouched)
	fmt.Fprintln(bw, stats.MaxLiveStashes)
	fmt.Fprintln(bw, stats.MaxStashedBlocks)
	for _, l := range lines {
		fmt.Fprintln(bw, l)
	}
	if err := bw.Flush(); err != nil {
		return otaerr.IO("TransferListWrite", err)
	}
	return nil
}

// verify is the §4.G post-pass: it recomputes both sides of the
// verification identity purely from the command text just emitted and
// compares against the bytes actually written to each sink.
func verify(lines []string, stats Stats) error {
	var newBlocks, patchBytes int64
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "new":
			bs, err := blockset.Parse(fields[1])
			if err != nil {
				return err
			}
			newBlocks += bs.Size()
		case "bsdiff", "pkgdiff":
			n, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return otaerr.Invariant("TransferListInconsistent", fmt.Errorf("command %q: %w", l, err))
			}
			patchBytes += n
		}
	}
	if want := newBlocks * image.BlockSize; want != stats.NewDatBytes {
		return otaerr.Invariant("TransferListInconsistent",
			fmt.Errorf("new.dat: commands imply %d bytes, wrote %d", want, stats.NewDatBytes))
	}
	if patchBytes != stats.PatchDatBytes {
		return otaerr.Invariant("TransferListInconsistent",
			fmt.Errorf("patch.dat: commands imply %d bytes, wrote %d", patchBytes, stats.PatchDatBytes))
	}
	return nil
}
