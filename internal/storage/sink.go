package storage

import (
	"context"
	"strings"
	"time"

	"airelay/internal/protocol"
)

// Sink persists KPI rows. Implementations may block; the relay only ever
// reaches them through Queue so routing is never held up.
type Sink interface {
	WriteCellRow(ctx context.Context, row CellRow) error
	WriteUERow(ctx context.Context, row UERow) error
	Close() error
}

// Sample is a measurement already reduced to a column label and raw value.
type Sample struct {
	Label string
	Value string
}

// CellRow is one cell-level (gNB) record.
type CellRow struct {
	Timestamp    int64 // unix milliseconds
	MEID         string
	CellID       string
	Format       string
	Measurements []Sample
}

// UERow is one per-UE record.
type UERow struct {
	Timestamp    int64
	MEID         string
	CellID       string
	UEID         string
	NodeID       *string
	Measurements []Sample
}

// RowsFromReport flattens a KPI report into sink rows. Zero-valued samples
// are dropped; a cell row is produced only when something non-zero remains
// and UEs with nothing non-zero produce no row.
func RowsFromReport(report *protocol.KPIReport, now time.Time) (*CellRow, []UERow) {
	if report == nil || report.KPI == nil {
		return nil, nil
	}
	kpi := report.KPI
	ts := now.UnixMilli()
	meid := orDefault(report.MEID.String(), "unknown")
	cellID := orDefault(kpi.CellObjectID.String(), "N/A")

	var cell *CellRow
	if samples := nonZeroSamples(kpi.Measurements); len(samples) > 0 {
		cell = &CellRow{
			Timestamp:    ts,
			MEID:         meid,
			CellID:       cellID,
			Format:       orDefault(kpi.Format.String(), "unknown"),
			Measurements: samples,
		}
	}

	var ues []UERow
	for _, ue := range kpi.UEs {
		samples := nonZeroSamples(ue.Measurements)
		if len(samples) == 0 {
			continue
		}
		row := UERow{
			Timestamp:    ts,
			MEID:         meid,
			CellID:       cellID,
			UEID:         orDefault(ue.UEID.String(), "N/A"),
			Measurements: samples,
		}
		if ue.NodeID != nil {
			nodeID := ue.NodeID.String()
			row.NodeID = &nodeID
		}
		ues = append(ues, row)
	}
	return cell, ues
}

func nonZeroSamples(measurements []protocol.Measurement) []Sample {
	samples := make([]Sample, 0, len(measurements))
	for _, m := range measurements {
		if m.IsZero() {
			continue
		}
		samples = append(samples, Sample{Label: MeasurementLabel(m), Value: m.Value.String()})
	}
	return samples
}

var labelReplacer = strings.NewReplacer(".", "_", " ", "_")

// MeasurementLabel turns a measurement name into a column label, falling
// back to its id when the producer sent no name.
func MeasurementLabel(m protocol.Measurement) string {
	name := m.Name
	if name == "" {
		name = "id_" + orDefault(m.ID.String(), "unknown")
	}
	return labelReplacer.Replace(name)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
