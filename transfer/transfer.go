// Package transfer classifies each target file-map entry into an Action —
// ZERO, NEW, MOVE or DIFF — by comparing the target image against an
// optional source image (§3 Action, §4.C TransfersManager).
package transfer

import (
	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/image"
)

// Type is the kind of action to perform for one target block range.
type Type int

const (
	// Zero writes zeroes to tgt_blocks; produces no bytes in either sink.
	Zero Type = iota
	// New copies bytes verbatim into new.dat.
	New
	// Move copies src_blocks to tgt_blocks with no byte-level change.
	Move
	// Diff applies a binary patch from src_blocks to tgt_blocks.
	Diff
)

func (t Type) String() string {
	switch t {
	case Zero:
		return "ZERO"
	case New:
		return "NEW"
	case Move:
		return "MOVE"
	case Diff:
		return "DIFF"
	default:
		return "UNKNOWN"
	}
}

// Action is one unit of work for one target block range (§3 Action).
type Action struct {
	Type Type

	TgtBlocks blockset.BlockSet
	SrcBlocks blockset.BlockSet // empty for Zero and New

	TgtName string
	SrcName string // empty unless Move or Diff
}

// Manager classifies target file-map entries into Actions by comparing
// against an optional source image (§4.C).
type Manager struct {
	Target *image.Image
	Source *image.Image // nil if there is no source for this partition
}

// Classify enumerates the target's file-map keys in canonical sorted order
// and returns one Action per key (§4.C step 1-2). It never reorders or
// schedules; that is depgraph's job.
func (m *Manager) Classify() ([]Action, error) {
	var actions []Action
	for _, name := range m.Target.SortedKeys() {
		tgtBS, _ := m.Target.FileMap(name)

		if name == image.ZeroKey {
			actions = append(actions, Action{
				Type:      Zero,
				TgtBlocks: tgtBS,
				TgtName:   name,
			})
			continue
		}

		action, err := m.classifyOne(name, tgtBS)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func (m *Manager) classifyOne(name string, tgtBS blockset.BlockSet) (Action, error) {
	if m.Source == nil || name == image.CopyKey {
		// __COPY entries of the source are stash-eligible but never diff
		// sources (§4.C step 3); without a same-named source match we fall
		// through to NEW regardless.
		return Action{Type: New, TgtBlocks: tgtBS, TgtName: name}, nil
	}

	srcBS, ok := m.Source.FileMap(name)
	if !ok || srcBS.Size() != tgtBS.Size() || srcBS.Empty() {
		// Tie-break rule (§4.C step 2): a MOVE/DIFF whose source would be
		// empty degrades to NEW.
		return Action{Type: New, TgtBlocks: tgtBS, TgtName: name}, nil
	}

	alignedSrc := srcBS.First(tgtBS.Size())

	tgtHash, err := m.Target.RangeSHA256(tgtBS)
	if err != nil {
		return Action{}, err
	}
	srcHash, err := m.Source.RangeSHA256(alignedSrc)
	if err != nil {
		return Action{}, err
	}

	typ := Diff
	if tgtHash == srcHash {
		typ = Move
	}
	return Action{
		Type:      typ,
		TgtBlocks: tgtBS,
		SrcBlocks: alignedSrc,
		TgtName:   name,
		SrcName:   name,
	}, nil
}
