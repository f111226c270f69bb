package picker

import (
	"context"
	"sort"
	"time"

	"github.com/shoalstore/shoal/pkg/types"
)

// StaticDirectory is a NodeDirectory over a fixed node list, used by the
// embedded single-process deployment and by tests. Heartbeats are
// refreshed on every poll so the configured nodes are always alive.
type StaticDirectory struct {
	nodes    []types.StorageNode
	pageSize int
}

// NewStaticDirectory creates a StaticDirectory. pageSize <= 0 means one
// page for everything.
func NewStaticDirectory(nodes []types.StorageNode, pageSize int) *StaticDirectory {
	sorted := make([]types.StorageNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StorageID < sorted[j].StorageID
	})
	return &StaticDirectory{nodes: sorted, pageSize: pageSize}
}

// Poll implements NodeDirectory. The cursor is the storage id to resume
// after, mirroring how the real directory pages by indexed key.
func (d *StaticDirectory) Poll(_ context.Context, maxPercentUsed int, _ time.Time, cursor string) ([]types.StorageNode, string, error) {
	start := 0
	if cursor != "" {
		start = sort.Search(len(d.nodes), func(i int) bool {
			return d.nodes[i].StorageID > cursor
		})
	}

	now := time.Now()
	var page []types.StorageNode
	for i := start; i < len(d.nodes); i++ {
		if d.pageSize > 0 && len(page) == d.pageSize {
			return page, d.nodes[i-1].StorageID, nil
		}
		n := d.nodes[i]
		if n.PercentUsed > maxPercentUsed {
			continue
		}
		n.LastHeartbeat = now
		page = append(page, n)
	}
	return page, "", nil
}
