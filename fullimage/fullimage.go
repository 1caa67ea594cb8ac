// Package fullimage implements the trivial passthrough path for partitions
// that have no incremental pipeline: the whole target image is copied
// verbatim and announced with a single raw_write command (§4.H
// FullImageBuilder).
package fullimage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/image"
	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// Request is one partition to copy verbatim.
type Request struct {
	Partition string
	Target    *image.Image
}

// Entry is the manifest record for one full-image copy (§6 "A manifest of
// full-image temp files with their byte lengths").
type Entry struct {
	Partition string
	Path      string
	Size      int64
	Command   string // "raw_write <partition>"
}

// Builder copies target images verbatim, in parallel, into TempDir.
type Builder struct {
	TempDir string
}

// Build copies every request's target image to a new temp file, using
// golang.org/x/sync/errgroup so independent partitions copy concurrently
// (§5 "partitions may be processed in parallel... with no shared mutable
// state between them"). The image itself was already opened via
// image.Open, which rejects sparse input (§4.H "Sparse images are rejected
// here too").
func (b *Builder) Build(ctx context.Context, reqs []Request) ([]Entry, error) {
	entries := make([]Entry, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			e, err := b.buildOne(ctx, req)
			if err != nil {
				return xerrors.Errorf("partition %s: %w", req.Partition, err)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *Builder) buildOne(ctx context.Context, req Request) (Entry, error) {
	dest := filepath.Join(b.TempDir, req.Partition+".img")
	out, err := renameio.TempFile("", dest)
	if err != nil {
		return Entry{}, otaerr.IO("TempFileCreate", err)
	}
	defer out.Cleanup()

	full := blockset.New(blockset.Range{Start: 0, End: req.Target.TotalBlocks()})
	n, err := io.Copy(out, req.Target.Stream(full))
	if err != nil {
		return Entry{}, otaerr.IO("FullImageCopy", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return Entry{}, otaerr.IO("FullImageCommit", err)
	}

	return Entry{
		Partition: req.Partition,
		Path:      dest,
		Size:      n,
		Command:   fmt.Sprintf("raw_write %s", req.Partition),
	}, nil
}
