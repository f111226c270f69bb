package picker

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/types"
)

// tupleCount is how many candidate tuples Choose returns: one primary
// plus two fallbacks for the data plane's tuple-failover loop.
const tupleCount = 3

// dcState is one datacenter's eligible slice for a given object size:
// nodes[offset:] all have AvailableBytes >= size.
type dcState struct {
	name   string
	nodes  []types.StorageNode
	offset int
}

// Choose returns tupleCount candidate tuples of `replicas` distinct nodes
// each, every node with at least size bytes available. When the cluster
// spans multiple datacenters and replicas >= 2, each tuple covers at
// least two datacenters. Nodes are not reused across tuples unless the
// eligible set is too small to avoid it. Tuples come back in random
// order; the first is primary.
func (p *Picker) Choose(size int64, replicas int, operator bool) ([][]types.StorageNode, error) {
	if replicas < 1 {
		return nil, errors.NewInvalidParameter("replicas", fmt.Sprint(replicas))
	}

	snap := p.snap.Load()
	if snap == nil {
		return nil, errors.NewServiceUnavailable()
	}

	view := snap.normal
	if operator {
		view = snap.operator
	}

	// Per DC, binary-search the capacity-sorted slice for the first node
	// that fits. DCs with no fitting node drop out entirely.
	var dcs []dcState
	eligible := 0
	for name, nodes := range view {
		off := sort.Search(len(nodes), func(i int) bool {
			return nodes[i].AvailableBytes >= size
		})
		if off < len(nodes) {
			dcs = append(dcs, dcState{name: name, nodes: nodes, offset: off})
			eligible += len(nodes) - off
		}
	}
	// Map iteration order is random but sort anyway so the shuffles below
	// are the only source of randomness.
	sort.Slice(dcs, func(i, j int) bool { return dcs[i].name < dcs[j].name })

	if len(dcs) == 0 {
		return nil, errors.NewNotEnoughSpace(fmt.Sprintf(
			"no storage node has %d available bytes", size))
	}

	needMultiDC := p.cfg.MultiDC && replicas >= 2 && len(view) >= 2
	if needMultiDC && len(dcs) < 2 {
		return nil, errors.NewNotEnoughSpace(dcShortageCause(replicas, len(dcs)))
	}

	// Reuse across tuples is allowed only when the eligible set cannot
	// support three disjoint tuples.
	allowReuse := eligible < tupleCount*replicas

	used := make(map[string]bool)
	tuples := make([][]types.StorageNode, 0, tupleCount)
	for i := 0; i < tupleCount; i++ {
		tuple, ok := pickTuple(dcs, replicas, needMultiDC, used, allowReuse)
		if !ok {
			// Callers require all three tuples: a primary that fits but
			// no fallbacks is still a placement failure.
			return nil, errors.NewNotEnoughSpace(dcShortageCause(replicas, len(dcs)))
		}
		tuples = append(tuples, tuple)
	}

	rand.Shuffle(len(tuples), func(i, j int) {
		tuples[i], tuples[j] = tuples[j], tuples[i]
	})
	return tuples, nil
}

func dcShortageCause(replicas, dcCount int) string {
	if dcCount == 1 {
		return fmt.Sprintf("%d copies requested, but only 1 DC has sufficient space", replicas)
	}
	return fmt.Sprintf("%d copies requested, but only %d DCs have sufficient space", replicas, dcCount)
}

// pickTuple assembles one tuple by round-robining across a shuffled DC
// order, drawing a uniformly random eligible node from each DC in turn.
// seen prevents reuse within the tuple; used steers picks away from
// nodes already placed in earlier tuples.
func pickTuple(dcs []dcState, replicas int, needMultiDC bool, used map[string]bool, allowReuse bool) ([]types.StorageNode, bool) {
	order := make([]dcState, len(dcs))
	copy(order, dcs)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	seen := make(map[string]bool)
	tuple := make([]types.StorageNode, 0, replicas)

	for len(tuple) < replicas {
		progressed := false
		for _, dc := range order {
			if len(tuple) == replicas {
				break
			}
			node, ok := pickNode(dc, seen, used, allowReuse)
			if !ok {
				// This DC is exhausted for the tuple; try the next.
				continue
			}
			seen[node.StorageID] = true
			used[node.StorageID] = true
			tuple = append(tuple, node)
			progressed = true
		}
		if !progressed {
			return nil, false
		}
	}

	if needMultiDC && !spansTwoDCs(tuple) {
		return nil, false
	}
	return tuple, true
}

// pickNode draws a random eligible node from dc, preferring nodes not
// yet used by earlier tuples.
func pickNode(dc dcState, seen, used map[string]bool, allowReuse bool) (types.StorageNode, bool) {
	var fresh, reusable []types.StorageNode
	for _, n := range dc.nodes[dc.offset:] {
		if seen[n.StorageID] {
			continue
		}
		if used[n.StorageID] {
			reusable = append(reusable, n)
		} else {
			fresh = append(fresh, n)
		}
	}

	pool := fresh
	if len(pool) == 0 {
		if !allowReuse || len(reusable) == 0 {
			return types.StorageNode{}, false
		}
		pool = reusable
	}
	return pool[rand.Intn(len(pool))], true
}

func spansTwoDCs(tuple []types.StorageNode) bool {
	for _, n := range tuple[1:] {
		if n.Datacenter != tuple[0].Datacenter {
			return true
		}
	}
	return false
}
