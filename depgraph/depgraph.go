// Package depgraph schedules a TransfersManager action list into a
// cycle-free execution order, breaking unavoidable cycles by stashing the
// blocks a reader would otherwise lose before they execute (§3 Graph node,
// §4.D DependencyGraph).
//
// The graph is built and mutated with gonum.org/v1/gonum/graph/simple, and
// gonum.org/v1/gonum/graph/topo.TarjanSCC is used to scope victim search to
// the strongly connected components that actually contain a cycle, rather
// than scanning every remaining node on every cycle-break round.
package depgraph

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/otabuilder/otabuilder/blockset"
	"github.com/otabuilder/otabuilder/internal/otaerr"
	"github.com/otabuilder/otabuilder/transfer"
)

// Stash is one saved source-block range, keyed by a small, reused integer
// id (§9 "Stash identifier reuse": ids are recycled after Free to keep the
// on-device stash directory small).
type Stash struct {
	ID     int
	Blocks blockset.BlockSet
	// Reader is the index (into the original actions slice) of the action
	// that reads from this stash instead of directly from src_blocks.
	Reader int
}

// ItemKind discriminates the three kinds of entries depgraph emits.
type ItemKind int

const (
	// ItemAction schedules actions[ActionIndex].
	ItemAction ItemKind = iota
	// ItemStash begins a stash: save Stash.Blocks before any subsequent
	// overwrite.
	ItemStash
	// ItemFree ends a stash's lifetime; FreeID names the stash.
	ItemFree
)

// Item is one entry in the scheduled stream.
type Item struct {
	Kind        ItemKind
	ActionIndex int // valid when Kind == ItemAction
	Stash       Stash
	FreeID      int // valid when Kind == ItemFree
}

// Schedule reorders actions so that no action reads blocks an earlier
// action has already overwritten, except through an explicit stash. It
// returns the interleaved item stream and the stash table keyed by id
// (§4.D).
func Schedule(actions []transfer.Action) ([]Item, map[int]Stash, error) {
	s := &scheduler{
		actions: actions,
		g:       simple.NewDirectedGraph(),
		volume:  make(map[edgeKey]int64),
		stashes: make(map[int]Stash),
	}
	return s.run()
}

type edgeKey struct{ from, to int64 }

type scheduler struct {
	actions []transfer.Action
	g       *simple.DirectedGraph
	volume  map[edgeKey]int64

	stashes  map[int]Stash
	nextID   int
	freeIDs  []int
	readerOf map[int]int // action index -> stash id created for it
}

func (s *scheduler) run() ([]Item, map[int]Stash, error) {
	n := int64(len(s.actions))
	for i := int64(0); i < n; i++ {
		s.g.AddNode(simple.Node(i))
	}

	// Edge u → v (§3 Graph node) means v must execute before u. We store
	// the graph with the reverse arrow, prereq → dependent, so that a
	// standard Kahn's-algorithm indegree-0 pop directly yields a valid
	// execution order: edge v → u here (v ready-before u).
	for u := int64(0); u < n; u++ {
		for v := int64(0); v < n; v++ {
			if u == v {
				continue
			}
			overlap := s.actions[u].TgtBlocks.Intersect(s.actions[v].SrcBlocks)
			if overlap.Empty() {
				continue
			}
			s.g.SetEdge(s.g.NewEdge(simple.Node(v), simple.Node(u)))
			s.volume[edgeKey{v, u}] = overlap.Size()
		}
	}

	s.readerOf = make(map[int]int)

	var items []Item
	scheduled := make([]bool, n)
	remaining := int(n)

	schedule := func(idx int64) {
		items = append(items, Item{Kind: ItemAction, ActionIndex: int(idx)})
		scheduled[idx] = true
		remaining--
		if id, ok := s.readerOf[int(idx)]; ok {
			items = append(items, Item{Kind: ItemFree, FreeID: id})
			s.freeIDs = append(s.freeIDs, id)
			delete(s.readerOf, int(idx))
		}
		for _, succ := range graph.NodesOf(s.g.From(idx)) {
			s.g.RemoveEdge(idx, succ.ID())
		}
	}

	for remaining > 0 {
		ready := s.readyNodes(scheduled)
		if len(ready) > 0 {
			for _, idx := range ready {
				schedule(idx)
			}
			continue
		}

		victim, err := s.pickVictim(scheduled)
		if err != nil {
			return nil, nil, err
		}
		stashItem := s.stashFor(victim)
		items = append(items, stashItem)
	}

	return items, s.stashes, nil
}

// readyNodes returns all currently unscheduled nodes with zero remaining
// indegree, in ascending action-index order for determinism (§4.D "ties
// broken by action index").
func (s *scheduler) readyNodes(scheduled []bool) []int64 {
	var ready []int64
	for i := range scheduled {
		if scheduled[i] {
			continue
		}
		idx := int64(i)
		if s.g.To(idx).Len() == 0 {
			ready = append(ready, idx)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// pickVictim chooses, among unscheduled nodes with nonzero indegree, the
// one whose incoming edges sum to the smallest total block volume (§4.D).
// Ties are broken by action index. gonum's TarjanSCC scopes the search to
// the (possibly several) strongly connected components that still contain
// unresolved cycles, rather than every remaining node.
func (s *scheduler) pickVictim(scheduled []bool) (int64, error) {
	components := topo.TarjanSCC(s.g)

	best := int64(-1)
	var bestVolume int64
	for _, comp := range components {
		if len(comp) < 2 {
			continue // not a cycle
		}
		ids := make(map[int64]bool, len(comp))
		for _, n := range comp {
			ids[n.ID()] = true
		}
		for id := range ids {
			if scheduled[id] {
				continue
			}
			var vol int64
			preds := graph.NodesOf(s.g.To(id))
			for _, p := range preds {
				if !ids[p.ID()] {
					continue
				}
				vol += s.volume[edgeKey{p.ID(), id}]
			}
			if vol == 0 {
				continue
			}
			if best == -1 || vol < bestVolume || (vol == bestVolume && id < best) {
				best = id
				bestVolume = vol
			}
		}
	}
	if best == -1 {
		return 0, otaerr.Scheduling("CycleUnresolvable", nil)
	}
	return best, nil
}

// stashFor breaks every remaining incoming edge into victim by saving the
// union of the intersecting source ranges into a new (or recycled) stash
// id, then removing those edges so victim can become ready.
func (s *scheduler) stashFor(victim int64) Item {
	var union blockset.BlockSet
	preds := graph.NodesOf(s.g.To(victim))
	for _, p := range preds {
		overlap := s.actions[p.ID()].TgtBlocks.Intersect(s.actions[victim].SrcBlocks)
		union = union.Union(overlap)
		s.g.RemoveEdge(p.ID(), victim)
		delete(s.volume, edgeKey{p.ID(), victim})
	}

	id := s.allocID()
	st := Stash{ID: id, Blocks: union, Reader: int(victim)}
	s.stashes[id] = st
	s.readerOf[int(victim)] = id
	return Item{Kind: ItemStash, Stash: st}
}

func (s *scheduler) allocID() int {
	if n := len(s.freeIDs); n > 0 {
		id := s.freeIDs[n-1]
		s.freeIDs = s.freeIDs[:n-1]
		return id
	}
	id := s.nextID
	s.nextID++
	return id
}
