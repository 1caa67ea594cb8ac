package depgraph

import (
	"testing"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/transfer"
)

func action(typ transfer.Type, tgt, src blockset.BlockSet, name string) transfer.Action {
	return transfer.Action{Type: typ, TgtBlocks: tgt, SrcBlocks: src, TgtName: name, SrcName: name}
}

func TestScheduleAcyclic(t *testing.T) {
	// action 0 writes [0,4) and reads [10,14); action 1 reads [0,4), the
	// blocks action 0 overwrites, so action 1 must run BEFORE action 0.
	actions := []transfer.Action{
		action(transfer.Diff, blockset.New(blockset.Range{0, 4}), blockset.New(blockset.Range{10, 14}), "a"),
		action(transfer.Diff, blockset.New(blockset.Range{20, 24}), blockset.New(blockset.Range{0, 4}), "b"),
	}
	items, stashes, err := Schedule(actions)
	if err != nil {
		t.Fatal(err)
	}
	if len(stashes) != 0 {
		t.Fatalf("expected no stashing for an acyclic graph, got %v", stashes)
	}
	var order []int
	for _, it := range items {
		if it.Kind == ItemAction {
			order = append(order, it.ActionIndex)
		}
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 0 {
		t.Fatalf("order = %v, want [1 0] (b before a)", order)
	}
}

func TestScheduleCycleStashes(t *testing.T) {
	// S4: two files swap ranges A=[0,4) and B=[4,8) between source and
	// target -> a 2-cycle that must be broken by a stash.
	actions := []transfer.Action{
		action(transfer.Move, blockset.New(blockset.Range{0, 4}), blockset.New(blockset.Range{4, 8}), "A"),
		action(transfer.Move, blockset.New(blockset.Range{4, 8}), blockset.New(blockset.Range{0, 4}), "B"),
	}
	items, stashes, err := Schedule(actions)
	if err != nil {
		t.Fatal(err)
	}
	if len(stashes) != 1 {
		t.Fatalf("stashes = %v, want exactly one", stashes)
	}

	var sawStash, sawFree bool
	var stashIdx, freeIdx, actionCount int
	for i, it := range items {
		switch it.Kind {
		case ItemStash:
			sawStash = true
			stashIdx = i
		case ItemFree:
			sawFree = true
			freeIdx = i
		case ItemAction:
			actionCount++
		}
	}
	if !sawStash || !sawFree {
		t.Fatalf("items = %+v, want a stash and a free", items)
	}
	if actionCount != 2 {
		t.Fatalf("scheduled %d actions, want 2", actionCount)
	}
	if stashIdx > freeIdx {
		t.Errorf("stash item at %d comes after free item at %d", stashIdx, freeIdx)
	}
}
