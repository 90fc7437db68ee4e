package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airelay/internal/protocol"
)

func kpiReport(t *testing.T, body string) *protocol.KPIReport {
	t.Helper()
	msg, err := protocol.Decode(json.RawMessage(body))
	require.NoError(t, err)
	report, ok := msg.(*protocol.KPIReport)
	require.True(t, ok)
	return report
}

func TestChangeTracker_CountsChangedMeasurements(t *testing.T) {
	tracker, err := NewChangeTracker(4)
	require.NoError(t, err)

	first := kpiReport(t, `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c1","measurements":[{"name":"thp","value":1},{"name":"prb","value":5}]}}`)
	changed, seen := tracker.Observe(first)
	assert.False(t, seen)
	assert.Zero(t, changed)

	second := kpiReport(t, `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c1","measurements":[{"name":"thp","value":2},{"name":"prb","value":5},{"name":"cqi","value":7}]}}`)
	changed, seen = tracker.Observe(second)
	assert.True(t, seen)
	assert.Equal(t, 2, changed, "thp changed and cqi is new")
}

func TestChangeTracker_KeyedByMEIDAndCell(t *testing.T) {
	tracker, err := NewChangeTracker(4)
	require.NoError(t, err)

	tracker.Observe(kpiReport(t, `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c1","measurements":[]}}`))
	_, seen := tracker.Observe(kpiReport(t, `{"type":"kpi","meid":"m2","kpi":{"cellObjectID":"c1","measurements":[]}}`))
	assert.False(t, seen)
	assert.Equal(t, 2, tracker.Len())
}

func TestChangeTracker_EvictsOldestCell(t *testing.T) {
	tracker, err := NewChangeTracker(1)
	require.NoError(t, err)

	tracker.Observe(kpiReport(t, `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c1"}}`))
	tracker.Observe(kpiReport(t, `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c2"}}`))
	_, seen := tracker.Observe(kpiReport(t, `{"type":"kpi","meid":"m1","kpi":{"cellObjectID":"c1"}}`))
	assert.False(t, seen)
	assert.Equal(t, 1, tracker.Len())
}

func TestChangeTracker_NilAndInvalid(t *testing.T) {
	var tracker *ChangeTracker
	changed, seen := tracker.Observe(&protocol.KPIReport{})
	assert.Zero(t, changed)
	assert.False(t, seen)

	_, err := NewChangeTracker(0)
	assert.Error(t, err)
}
