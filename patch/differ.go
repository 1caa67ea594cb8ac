// Package patch invokes the external binary differ to turn classified DIFF
// actions into patch bytes, and subdivides any patch that would exceed the
// configured on-device ceiling (§4.E PatchEngine, §4.F ChunkedPatcher).
package patch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// DefaultTimeout is the differ subprocess wall-clock budget (§5, §9: "the
// differ timeout of 300s is a source constant; treat as configurable").
const DefaultTimeout = 300 * time.Second

// Differ is the CLI contract of the external binary differ (§6): `differ
// [-b 1] -s SRC -d TGT -p PATCH -l LIMIT`, exit 0 on success.
type Differ struct {
	// Path is the differ executable, or its name to be resolved via PATH.
	Path string
	// Timeout bounds a single invocation; DefaultTimeout if zero.
	Timeout time.Duration
	// PkgDiff selects the zip-aware pkgdiff mode (omits "-b 1"). False
	// selects plain bsdiff mode ("-b 1"), used for the whole-image
	// fallback path (§4.I) where the target has no package structure to
	// exploit.
	PkgDiff bool
}

func (d Differ) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

func (d Differ) invoke(ctx context.Context, src, tgt, patchPath string, limit int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	args := []string{}
	if !d.PkgDiff {
		args = append(args, "-b", "1")
	}
	args = append(args,
		"-s", src,
		"-d", tgt,
		"-p", patchPath,
		"-l", strconv.FormatInt(limit, 10),
	)
	cmd := exec.CommandContext(ctx, d.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return otaerr.External("DifferTimeout", fmt.Errorf("%v: %w", cmd.Args, ctx.Err()))
		}
		return otaerr.External("DifferFailed", fmt.Errorf("%v: %w (stderr: %s)", cmd.Args, err, stderr.Bytes()))
	}
	return nil
}

// Run invokes the differ, retrying once with a doubled limit if the first
// attempt fails with DifferFailed (§7: "DifferFailed on a single sub-patch
// triggers one retry with a wider limit before surfacing";
// original_source/patch_package_chunk.py widens by a factor of 2, §9).
// DifferTimeout and any other ExternalFailure are surfaced immediately.
func (d Differ) Run(ctx context.Context, src, tgt, patchPath string, limit int64) error {
	err := d.invoke(ctx, src, tgt, patchPath, limit)
	if err == nil {
		return nil
	}
	if !otaerr.Is(err, otaerr.KindExternal, "DifferFailed") {
		return err
	}
	return d.invoke(ctx, src, tgt, patchPath, limit*2)
}
