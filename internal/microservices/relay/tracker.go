package relay

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"airelay/internal/protocol"
	"airelay/internal/storage"
)

type cellKey struct {
	MEID   string
	CellID string
}

// ChangeTracker remembers the last cell-level sample values per (meid, cell)
// and counts how many changed between consecutive reports. Memory is bounded
// by evicting the least recently reporting cells.
type ChangeTracker struct {
	cache *lru.Cache[cellKey, map[string]string]
}

func NewChangeTracker(size int) (*ChangeTracker, error) {
	cache, err := lru.New[cellKey, map[string]string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create change tracker: %w", err)
	}
	return &ChangeTracker{cache: cache}, nil
}

// Observe records report and returns the number of cell measurements whose
// value differs from the previous report for the same cell. seen is false
// for the first report of a cell.
func (t *ChangeTracker) Observe(report *protocol.KPIReport) (changed int, seen bool) {
	if t == nil || report == nil || report.KPI == nil {
		return 0, false
	}
	key := cellKey{MEID: report.MEID.String(), CellID: report.KPI.CellObjectID.String()}

	current := make(map[string]string, len(report.KPI.Measurements))
	for _, m := range report.KPI.Measurements {
		current[storage.MeasurementLabel(m)] = m.Value.String()
	}

	previous, seen := t.cache.Get(key)
	t.cache.Add(key, current)
	if !seen {
		return 0, false
	}
	for label, value := range current {
		if prev, ok := previous[label]; !ok || prev != value {
			changed++
		}
	}
	return changed, true
}

func (t *ChangeTracker) Len() int {
	if t == nil {
		return 0
	}
	return t.cache.Len()
}
