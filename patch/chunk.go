package patch

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/image"
	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// diffBlockLimit is the coarse-layout unit the differ's own internal
// sub-patch boundaries are expressed in (§4.F step 1).
const diffBlockLimit = 10240

// patchHeaderPrefix is the size in bytes of the patch file's magic plus its
// little-endian sub-patch count (§4.F step 1).
const patchHeaderPrefix = 8 + 4

// patchDescriptorSize is the size of one sub-patch descriptor; the last 8
// bytes are a little-endian byte offset into the patch body (§4.F step 1).
const patchDescriptorSize = 28

// maxBisectSplits bounds the number of times a single block group may be
// bisected before ChunkedPatcher gives up with ChunkingFailed (§4.F step 3).
const maxBisectSplits = 16

// Chunk is one accepted, size-bounded slice of a DIFF action: its block
// ranges and the patch bytes that reconstruct TgtBlocks from SrcBlocks.
type Chunk struct {
	SrcBlocks blockset.BlockSet
	TgtBlocks blockset.BlockSet
	Patch     []byte
}

// ChunkedPatcher subdivides a DIFF action so every emitted patch fragment
// fits the on-device ceiling Limit = chunk_limit × BLOCK_SIZE (§4.F).
type ChunkedPatcher struct {
	Engine *Engine
	Limit  int64
}

// Run produces the size-bounded chunk list for one DIFF action's src/tgt
// block ranges. src and tgt must have equal size (the caller aligns them,
// §4.C classifyOne).
func (c *ChunkedPatcher) Run(ctx context.Context, src, tgt blockset.BlockSet) ([]Chunk, error) {
	if src.Size() != tgt.Size() {
		return nil, otaerr.Invariant("ChunkSizeMismatch", fmt.Errorf("src=%d tgt=%d", src.Size(), tgt.Size()))
	}

	coarseLimit := c.Limit / diffBlockLimit
	if coarseLimit < 1 {
		coarseLimit = 1
	}
	coarse, err := c.Engine.Run(ctx, src, tgt, coarseLimit)
	if err != nil {
		return nil, err
	}
	if coarse.Promoted {
		return []Chunk{{SrcBlocks: src, TgtBlocks: tgt, Patch: coarse.Bytes}}, nil
	}

	bodySizes, err := parsePatchBodySizes(coarse.Patch)
	if err != nil {
		return nil, err
	}

	fileLimitBlocks := c.Limit / image.BlockSize
	if fileLimitBlocks < 1 {
		fileLimitBlocks = 1
	}

	groups := packGroups(bodySizes, fileLimitBlocks, c.Limit)
	return c.cutGroups(ctx, src, tgt, groups)
}

// parsePatchBodySizes parses the coarse patch header and returns the byte
// size of each of its N sub-patch bodies (§4.F step 1).
func parsePatchBodySizes(patch []byte) ([]int64, error) {
	if len(patch) < patchHeaderPrefix {
		return nil, otaerr.Invariant("PatchHeaderShort", fmt.Errorf("patch is %d bytes", len(patch)))
	}
	n := int(binary.LittleEndian.Uint32(patch[8:12]))
	if n == 0 {
		return nil, nil
	}
	descStart := patchHeaderPrefix
	descEnd := descStart + n*patchDescriptorSize
	if len(patch) < descEnd {
		return nil, otaerr.Invariant("PatchHeaderShort", fmt.Errorf("patch has %d descriptors but only %d bytes", n, len(patch)))
	}

	offsets := make([]int64, n)
	for i := 0; i < n; i++ {
		desc := patch[descStart+i*patchDescriptorSize : descStart+(i+1)*patchDescriptorSize]
		offsets[i] = int64(binary.LittleEndian.Uint64(desc[20:28]))
	}

	sizes := make([]int64, n)
	for i := 0; i < n-1; i++ {
		sizes[i] = offsets[i+1] - offsets[i]
	}
	sizes[n-1] = int64(len(patch)) - offsets[n-1]
	return sizes, nil
}

// packGroups greedily accumulates sub-patch bodies into block groups, each a
// multiple of fileLimitBlocks, closing a group as soon as its running byte
// total would exceed limit (§4.F step 2).
func packGroups(bodySizes []int64, fileLimitBlocks, limit int64) []int64 {
	var groups []int64
	var total, blocks int64
	for _, dt := range bodySizes {
		total += dt
		if total < 0 {
			total = 0
		}
		blocks += fileLimitBlocks
		if total > limit {
			groups = append(groups, blocks-fileLimitBlocks)
			blocks = fileLimitBlocks
			total = dt
		}
	}
	if blocks > 0 {
		groups = append(groups, blocks)
	}
	if len(groups) == 0 {
		groups = append(groups, fileLimitBlocks)
	}
	return groups
}

// cutGroups walks the block-group plan, slicing src/tgt by prefix and
// re-running the differ at full block granularity. A group whose patch
// still exceeds the ceiling is bisected into two multiple-of-10-block
// halves and retried in place (§4.F step 3).
func (c *ChunkedPatcher) cutGroups(ctx context.Context, src, tgt blockset.BlockSet, groups []int64) ([]Chunk, error) {
	total := tgt.Size()
	remSrc, remTgt := src, tgt

	queue := append([]int64(nil), groups...)
	var chunks []Chunk
	var consumed, splits int64

	for i := 0; i < len(queue); {
		blocks := queue[i]
		if consumed+blocks > total {
			blocks = total - consumed
		}
		if blocks <= 0 {
			i++
			continue
		}

		srcChunk := remSrc.First(blocks)
		tgtChunk := remTgt.First(blocks)

		res, err := c.Engine.Run(ctx, srcChunk, tgtChunk, image.BlockSize)
		if err != nil {
			return nil, err
		}

		patchBytes := res.Patch
		if res.Promoted {
			patchBytes = res.Bytes
		}

		if !res.Promoted && int64(len(patchBytes)) > c.Limit {
			splits++
			if splits > maxBisectSplits {
				return nil, otaerr.Scheduling("ChunkingFailed", fmt.Errorf("did not converge after %d splits", maxBisectSplits))
			}
			half1, half2, err := splitIntoTens(blocks)
			if err != nil {
				return nil, err
			}
			queue[i] = half1
			rest := append([]int64{half2}, queue[i+1:]...)
			queue = append(queue[:i+1], rest...)
			continue
		}

		chunks = append(chunks, Chunk{SrcBlocks: srcChunk, TgtBlocks: tgtChunk, Patch: patchBytes})
		remSrc = remSrc.Subtract(srcChunk)
		remTgt = remTgt.Subtract(tgtChunk)
		consumed += blocks
		i++
	}
	return chunks, nil
}

// splitIntoTens splits n into two parts, both positive multiples of 10,
// as close to even as possible (§4.F step 3). n itself must be a multiple
// of 10; the original 10-block quantum comes from the coarse layout's own
// file_limit_size granularity.
func splitIntoTens(n int64) (int64, int64, error) {
	if n%10 != 0 {
		return 0, 0, otaerr.Scheduling("SplitImpossible", fmt.Errorf("%d blocks is not a multiple of 10", n))
	}
	half := n / 2
	part1 := (half / 10) * 10
	part2 := n - part1
	if part2%10 != 0 {
		part1 += 10
		part2 = n - part1
	}
	if part1 <= 0 || part2 <= 0 {
		return 0, 0, otaerr.Scheduling("SplitImpossible", fmt.Errorf("%d blocks cannot be split into two positive multiples of 10", n))
	}
	return part1, part2, nil
}
