// Package image provides a read-only, random-access view of a raw block
// image together with its file-to-blocks map (§3 Image, §4.B).
package image

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/internal/otaerr"
)

// BlockSize is the fixed unit of all block-level operations (§3 Block).
const BlockSize = 4096

// Extend is the default number of blocks the `extended` range is grown by
// on each side of `care` (§4.B). Not fixed by the on-device wire format;
// Open always uses this value and offers no way to change it.
const Extend = 100

// MaxBlocksPerGroup caps the size of a single __NONZERO-i remainder group
// (§4.B), keeping any one synthetic NEW action to a bounded size.
const MaxBlocksPerGroup = 1 << 20 // 1,048,576 blocks (4 GiB at BlockSize=4096)

// Distinguished file-map keys (§3 Image).
const (
	ZeroKey    = "__ZERO"
	NonzeroKey = "__NONZERO"
	CopyKey    = "__COPY"
)

// sparse header layout (§4.B): recognized but always rejected.
const (
	sparseMagic           = 0xED26FF3A
	sparseMajor           = 1
	sparseMinor           = 0
	sparseHeaderSize      = 28
	sparseChunkHeaderSize = 12
)

type sparseHeader struct {
	Magic         uint32
	MajorVersion  uint16
	MinorVersion  uint16
	FileHdrSize   uint16
	ChunkHdrSize  uint16
	BlockSize     uint32
	TotalBlocks   uint32
	TotalChunks   uint32
	ImageChecksum uint32
}

// Image is bound to an image file and an optional map file, read once at
// construction time and treated as read-only thereafter (§3 Image
// lifecycle).
type Image struct {
	path     string
	mapPath  string
	ra       *mmap.ReaderAt
	f        *os.File
	size     int64

	blockSize   int64
	totalBlocks int64

	care     blockset.BlockSet
	zero     blockset.BlockSet
	extended blockset.BlockSet
	fileMap  map[string]blockset.BlockSet
	keys     []string // sorted keys of fileMap, for deterministic iteration
}

// Open constructs an Image from imagePath and, if mapPath is non-empty, the
// accompanying map file. The image is read once here to classify every
// block as zero or non-zero and, via the map file, to a file key.
func Open(imagePath, mapPath string) (*Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, otaerr.IO("ImageOpen", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, otaerr.IO("ImageStat", err)
	}

	if sparse, err := isSparseImage(f); err != nil {
		f.Close()
		return nil, err
	} else if sparse {
		f.Close()
		return nil, otaerr.Input("SparseUnsupported", fmt.Errorf("%s is a sparse image", imagePath))
	}

	ra, err := mmap.Open(imagePath)
	if err != nil {
		f.Close()
		return nil, otaerr.IO("ImageMmap", err)
	}

	img := &Image{
		path:        imagePath,
		mapPath:     mapPath,
		ra:          ra,
		f:           f,
		size:        fi.Size(),
		blockSize:   BlockSize,
		totalBlocks: fi.Size() / BlockSize,
		fileMap:     make(map[string]blockset.BlockSet),
	}

	care, err := img.scanCare()
	if err != nil {
		img.Close()
		return nil, err
	}
	img.care = care
	img.zero = blockset.New(blockset.Range{Start: 0, End: img.totalBlocks}).Subtract(care)
	img.extended = care.Extend(Extend).ClampUpper(img.totalBlocks).Subtract(care)

	if err := img.buildFileMap(mapPath); err != nil {
		img.Close()
		return nil, err
	}

	return img, nil
}

// Close releases the underlying mmap and file descriptor.
func (img *Image) Close() error {
	var first error
	if img.ra != nil {
		if err := img.ra.Close(); err != nil && first == nil {
			first = err
		}
	}
	if img.f != nil {
		if err := img.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BlockSize returns the image's block size (always image.BlockSize).
func (img *Image) BlockSize() int64 { return img.blockSize }

// TotalBlocks returns the number of whole blocks in the image file.
func (img *Image) TotalBlocks() int64 { return img.totalBlocks }

// Care returns the set of non-zero blocks.
func (img *Image) Care() blockset.BlockSet { return img.care }

// Extended returns the set of blocks that are safe to read but not required
// (§4.B `extended`).
func (img *Image) Extended() blockset.BlockSet { return img.extended }

// FileMap returns the BlockSet for key, and whether key is present.
func (img *Image) FileMap(key string) (blockset.BlockSet, bool) {
	bs, ok := img.fileMap[key]
	return bs, ok
}

// SortedKeys returns every file-map key in canonical (sorted) order, so
// callers iterating the map get deterministic classification order (§4.C).
func (img *Image) SortedKeys() []string {
	return append([]string(nil), img.keys...)
}

func isSparseImage(f *os.File) (bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, otaerr.IO("SparseHeaderSeek", err)
	}
	buf := make([]byte, sparseHeaderSize)
	n, err := io.ReadFull(f, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return false, nil // too small to be sparse; treated as raw
		}
		return false, otaerr.IO("SparseHeaderRead", err)
	}
	if n < sparseHeaderSize {
		return false, nil
	}
	var hdr sparseHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return false, otaerr.IO("SparseHeaderParse", err)
	}
	return hdr.Magic == sparseMagic &&
		hdr.MajorVersion == sparseMajor &&
		hdr.MinorVersion == sparseMinor &&
		hdr.FileHdrSize == sparseHeaderSize &&
		hdr.ChunkHdrSize == sparseChunkHeaderSize, nil
}

// scanCare streams the whole image once, classifying each block as zero or
// non-zero by comparison against a precomputed all-zeros block (§4.B).
func (img *Image) scanCare() (blockset.BlockSet, error) {
	zero := make([]byte, img.blockSize)
	buf := make([]byte, img.blockSize)
	var nonzero []blockset.Range
	r := io.NewSectionReader(img.ra, 0, img.size)
	br := bufio.NewReaderSize(r, 1<<20)

	for i := int64(0); i < img.totalBlocks; i++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return blockset.BlockSet{}, otaerr.IO("ImageScan", err)
		}
		if string(buf) != string(zero) {
			nonzero = append(nonzero, blockset.Range{Start: i, End: i + 1})
		}
	}
	return blockset.New(nonzero...), nil
}

// buildFileMap parses the map file (if present) against the care region and
// splits whatever of `care` is left unclaimed into capped __NONZERO-i
// groups. The full-image zero region (computed in Open, independently of
// the map) becomes __ZERO; block 0 is reserved into __COPY as a witness
// block for first-block sanity checks whenever it falls inside `care`
// (§4.B; original_source/image_class.py's BlocksManager("0")).
//
// Note on the "__ZERO ⊆ care" wording in §3: that invariant describes
// file_map entries parsed *from the map file*, which are always subsets of
// care by construction. __ZERO is the one distinguished key that is not:
// it is the complement of care, so that an all-zero target image (no care
// blocks at all, scenario S1) still classifies into a single ZERO action
// covering the whole image instead of producing no actions at all.
func (img *Image) buildFileMap(mapPath string) error {
	remainder := img.care

	if mapPath != "" {
		f, err := os.Open(mapPath)
		if err != nil {
			return otaerr.Input("MapUnreadable", err)
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<24)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			fields := strings.SplitN(line, " ", 2)
			if len(fields) != 2 {
				return otaerr.Input("MapMalformed", fmt.Errorf("line %q: expected key and range", line))
			}
			key := fields[0]
			bs, err := blockset.Parse(strings.TrimSpace(fields[1]))
			if err != nil {
				return xerrors.Errorf("map entry %q: %w", key, err)
			}
			if bs.Intersect(remainder).Size() != bs.Size() {
				return otaerr.Invariant("MapInconsistent", fmt.Errorf("key %q ranges exceed remaining care blocks", key))
			}
			img.fileMap[key] = bs
			remainder = remainder.Subtract(bs)
		}
		if err := sc.Err(); err != nil {
			return otaerr.IO("MapRead", err)
		}
	}

	reserved := blockset.New(blockset.Range{Start: 0, End: 1}).Intersect(img.care)
	remainder = remainder.Subtract(reserved)

	var group []blockset.Range
	var groupSize int64
	groupIdx := 0
	flushGroup := func() {
		if len(group) == 0 {
			return
		}
		img.fileMap[fmt.Sprintf("%s-%d", NonzeroKey, groupIdx)] = blockset.New(group...)
		groupIdx++
		group = nil
		groupSize = 0
	}
	remainder.IterPairs(func(start, end int64) bool {
		for s, e := start, start; s < end; s = e {
			e = s + (MaxBlocksPerGroup - groupSize)
			if e > end {
				e = end
			}
			group = append(group, blockset.Range{Start: s, End: e})
			groupSize += e - s
			if groupSize >= MaxBlocksPerGroup {
				flushGroup()
			}
		}
		return true
	})
	flushGroup()

	if !img.zero.Empty() {
		img.fileMap[ZeroKey] = img.zero
	}
	if !reserved.Empty() {
		img.fileMap[CopyKey] = reserved
	}

	img.keys = make([]string, 0, len(img.fileMap))
	for k := range img.fileMap {
		img.keys = append(img.keys, k)
	}
	sort.Strings(img.keys)
	return nil
}

// RangeSHA256 streams bs through SHA-256 and returns the digest hex in
// uppercase (§4.B).
func (img *Image) RangeSHA256(bs blockset.BlockSet) (string, error) {
	h := sha256.New()
	if err := img.streamTo(h, bs); err != nil {
		return "", err
	}
	return fmt.Sprintf("%X", h.Sum(nil)), nil
}

// Stream returns an io.Reader yielding the bytes of bs, block range by
// block range, without materializing the whole range in memory.
func (img *Image) Stream(bs blockset.BlockSet) io.Reader {
	return &rangeReader{img: img, ranges: bs.Ranges()}
}

func (img *Image) streamTo(w io.Writer, bs blockset.BlockSet) error {
	_, err := io.Copy(w, img.Stream(bs))
	if err != nil {
		return otaerr.IO("ImageStream", err)
	}
	return nil
}

// rangeReader implements io.Reader over a BlockSet's ranges without
// materializing the concatenated bytes up front.
type rangeReader struct {
	img    *Image
	ranges []blockset.Range
	cur    io.Reader
}

func (r *rangeReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.ranges) == 0 {
				return 0, io.EOF
			}
			rg := r.ranges[0]
			r.ranges = r.ranges[1:]
			off := rg.Start * r.img.blockSize
			n := (rg.End - rg.Start) * r.img.blockSize
			r.cur = io.NewSectionReader(r.img.ra, off, n)
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

