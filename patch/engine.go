package patch

import (
	"context"
	"io"
	"os"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/image"
	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// Result is the outcome of running the engine over one DIFF action.
type Result struct {
	// Promoted is true if an illegal-empty-source DIFF was promoted to a
	// verbatim byte copy instead (§4.E).
	Promoted bool
	// Bytes holds the target bytes when Promoted is true.
	Bytes []byte
	// Patch holds the differ's patch blob when Promoted is false.
	Patch []byte
}

// Engine materializes the byte ranges of one DIFF action to temp files and
// invokes Differ to produce a patch blob (§4.E).
type Engine struct {
	Differ  Differ
	Source  *image.Image
	Target  *image.Image
	TempDir string
}

// Run produces a patch for src/tgt at the given limit (bytes). Per §4.E, a
// DIFF with an empty source range is illegal; the engine instead promotes
// it to a verbatim byte copy of the target range.
func (e *Engine) Run(ctx context.Context, src, tgt blockset.BlockSet, limit int64) (Result, error) {
	if src.Empty() {
		buf, err := io.ReadAll(e.Target.Stream(tgt))
		if err != nil {
			return Result{}, otaerr.IO("PatchPromoteRead", err)
		}
		return Result{Promoted: true, Bytes: buf}, nil
	}

	srcFile, err := materialize(e.TempDir, "src-*.bin", e.Source.Stream(src))
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(srcFile)

	tgtFile, err := materialize(e.TempDir, "tgt-*.bin", e.Target.Stream(tgt))
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(tgtFile)

	patchFile, err := materialize(e.TempDir, "patch-*.bin", nil)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(patchFile)

	if err := e.Differ.Run(ctx, srcFile, tgtFile, patchFile, limit); err != nil {
		return Result{}, err
	}

	patch, err := os.ReadFile(patchFile)
	if err != nil {
		return Result{}, otaerr.IO("PatchRead", err)
	}
	return Result{Patch: patch}, nil
}

// materialize writes r (if non-nil) to a new temp file under dir and
// returns its path. The file is ordered consistently with the BlockSet
// iteration that produced r, as required so that the differ's byte offsets
// line up with the block-range slicing the caller tracks independently.
func materialize(dir, pattern string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", otaerr.IO("TempFileCreate", err)
	}
	defer f.Close()
	if r != nil {
		if _, err := io.Copy(f, r); err != nil {
			os.Remove(f.Name())
			return "", otaerr.IO("TempFileWrite", err)
		}
	}
	return f.Name(), nil
}
