// Command otabuilder builds an OTA update package for a set of block-image
// partitions: given a target image (and optionally a source image to
// diff against), it writes a transfer list plus new.dat/patch.dat side
// files for each partition into the -temp_dir directory (by default a
// subdirectory of -out) and prints a JSON summary of the results.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	otabuilder "github.com/otabuilder/otabuilder"
	"github.com/otabuilder/otabuilder/coordinator"
)

var (
	debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

	differPath    = flag.String("differ", "differ", "path to (or PATH-resolvable name of) the external differ binary")
	differTimeout = flag.Duration("differ_timeout", 0, "per-invocation differ timeout; 0 uses the package default")
	chunkLimit    = flag.Int64("chunk_limit", 400, "on-device patch ceiling, in blocks of "+
		"image.BlockSize bytes each, that no single emitted patch fragment may exceed")

	outDir  = flag.String("out", "", "output directory (required); an empty subdirectory is created in it per partition, the outputs themselves go to -temp_dir")
	tempDir = flag.String("temp_dir", "", "directory the transfer lists, side files and full-image copies are written to; defaults to a subdirectory of -out")

	noZip = flag.Bool("no_zip", false, "require the source package to be a zip container")

	sourceVersion = flag.String("source_version", "", "soft-version string of the source build, for downgrade rejection")
	targetVersion = flag.String("target_version", "", "soft-version string of the target build, for downgrade rejection")

	sourcePackage = flag.String("source_package", "", "zip-packaged source build; if set, relative image/map paths in -partitions are resolved against its extracted contents")
	targetPackage = flag.String("target_package", "", "zip-packaged target build; if set, relative image/map paths in -partitions are resolved against its extracted contents")

	partitionsFlag = flag.String("partitions", "", "comma-separated partition specs: name=target.img[:target.map][,source.img[:source.map]][!full]")
)

// resolvePath joins a relative path against base, leaving absolute paths
// untouched; base may be empty, in which case p is returned as-is.
func resolvePath(base, p string) string {
	if base == "" || p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// parsePartition turns one -partitions spec into a coordinator.Partition.
// Grammar: name=target[:targetmap][,source[:sourcemap]][!full]
func parsePartition(spec string) (coordinator.Partition, error) {
	full := false
	if strings.HasSuffix(spec, "!full") {
		full = true
		spec = strings.TrimSuffix(spec, "!full")
	}
	eq := strings.SplitN(spec, "=", 2)
	if len(eq) != 2 {
		return coordinator.Partition{}, fmt.Errorf("partition spec %q: missing name=...", spec)
	}
	p := coordinator.Partition{Name: eq[0], Full: full}

	sides := strings.SplitN(eq[1], ",", 2)
	target := strings.SplitN(sides[0], ":", 2)
	p.TargetImagePath = target[0]
	if len(target) == 2 {
		p.TargetMapPath = target[1]
	}
	if len(sides) == 2 {
		source := strings.SplitN(sides[1], ":", 2)
		p.SourceImagePath = source[0]
		if len(source) == 2 {
			p.SourceMapPath = source[1]
		}
	}
	return p, nil
}

func parsePartitions(flagVal string) ([]coordinator.Partition, error) {
	if flagVal == "" {
		return nil, fmt.Errorf("-partitions is required")
	}
	// A comma both separates specs and introduces a spec's source side; a
	// piece without "=" continues the previous spec.
	var specs []string
	for _, piece := range strings.Split(flagVal, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if !strings.Contains(piece, "=") && len(specs) > 0 {
			specs[len(specs)-1] += "," + piece
			continue
		}
		specs = append(specs, piece)
	}
	var out []coordinator.Partition
	for _, spec := range specs {
		p, err := parsePartition(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		if *debug {
			log.Fatalf("%+v", err)
		} else {
			log.Fatalf("%v", err)
		}
	}
}

func run() error {
	if *outDir == "" {
		return fmt.Errorf("-out is required")
	}
	partitions, err := parsePartitions(*partitionsFlag)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	scratch := *tempDir
	if scratch == "" {
		scratch = filepath.Join(*outDir, "tmp")
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return err
	}

	c := &coordinator.Coordinator{
		Options: coordinator.Options{
			DifferPath:    *differPath,
			ChunkLimit:    *chunkLimit,
			DifferTimeout: *differTimeout,
			NoZip:         *noZip,
			TempDir:       scratch,
			SourceVersion: *sourceVersion,
			TargetVersion: *targetVersion,
			SourceIsZip:   *sourcePackage != "",
		},
	}

	ctx, canc := otabuilder.InterruptibleContext()
	defer canc()

	var targetDir, sourceDir string
	if *targetPackage != "" {
		targetDir, err = c.ExtractZipPackage(ctx, *targetPackage)
		if err != nil {
			return err
		}
	}
	if *sourcePackage != "" {
		sourceDir, err = c.ExtractZipPackage(ctx, *sourcePackage)
		if err != nil {
			return err
		}
	}
	for i := range partitions {
		partitions[i].TargetImagePath = resolvePath(targetDir, partitions[i].TargetImagePath)
		partitions[i].TargetMapPath = resolvePath(targetDir, partitions[i].TargetMapPath)
		partitions[i].SourceImagePath = resolvePath(sourceDir, partitions[i].SourceImagePath)
		partitions[i].SourceMapPath = resolvePath(sourceDir, partitions[i].SourceMapPath)
	}

	results, err := c.Run(ctx, partitions)
	if err != nil {
		return err
	}

	for _, r := range results {
		dest := filepath.Join(*outDir, r.Partition)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		if r.FullImage != nil {
			log.Printf("partition %s: full image, %d bytes", r.Partition, r.FullImage.Size)
			continue
		}
		if r.GuardOnly {
			log.Printf("partition %s: source and target identical, guard only", r.Partition)
			continue
		}
		log.Printf("partition %s: %d blocks touched, new.dat %d bytes, patch.dat %d bytes",
			r.Partition, r.Stats.TotalBlocksTouched, r.Stats.NewDatBytes, r.Stats.PatchDatBytes)
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return json.NewEncoder(os.Stdout).Encode(results)
}
