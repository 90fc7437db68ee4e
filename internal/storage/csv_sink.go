package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"go.uber.org/multierr"
)

var (
	cellBaseColumns = []string{"timestamp", "meid", "cell_id", "format"}
	ueBaseColumns   = []string{"timestamp", "meid", "cell_id", "ue_id", "node_id"}
)

// CSVSink appends KPI rows to two CSV files, one for cell-level samples and
// one for per-UE samples. Columns grow as new measurement labels appear.
type CSVSink struct {
	mu   sync.Mutex
	cell *csvTable
	ue   *csvTable
}

// NewCSVSink opens (or creates) both files, adopting existing headers.
func NewCSVSink(cellPath, uePath string) (*CSVSink, error) {
	cell, err := openCSVTable(cellPath, cellBaseColumns)
	if err != nil {
		return nil, err
	}
	ue, err := openCSVTable(uePath, ueBaseColumns)
	if err != nil {
		cell.close()
		return nil, err
	}
	slog.Default().Info("csv_sink_opened", "cell_file", cellPath, "ue_file", uePath)
	return &CSVSink{cell: cell, ue: ue}, nil
}

func (s *CSVSink) WriteCellRow(_ context.Context, row CellRow) error {
	values := map[string]string{
		"timestamp": strconv.FormatInt(row.Timestamp, 10),
		"meid":      row.MEID,
		"cell_id":   row.CellID,
		"format":    row.Format,
	}
	addSamples(values, row.Measurements)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cell.append(values, sampleLabels(row.Measurements))
}

func (s *CSVSink) WriteUERow(_ context.Context, row UERow) error {
	values := map[string]string{
		"timestamp": strconv.FormatInt(row.Timestamp, 10),
		"meid":      row.MEID,
		"cell_id":   row.CellID,
		"ue_id":     row.UEID,
	}
	if row.NodeID != nil {
		values["node_id"] = *row.NodeID
	}
	addSamples(values, row.Measurements)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ue.append(values, sampleLabels(row.Measurements))
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Combine(s.cell.close(), s.ue.close())
}

func addSamples(values map[string]string, samples []Sample) {
	for _, m := range samples {
		values[m.Label] = m.Value
	}
}

func sampleLabels(samples []Sample) []string {
	labels := make([]string, len(samples))
	for i, m := range samples {
		labels[i] = m.Label
	}
	return labels
}

// csvTable is one append-only CSV file with a mutable header
type csvTable struct {
	path   string
	header []string
	index  map[string]int
	file   *os.File
	writer *csv.Writer
}

func openCSVTable(path string, base []string) (*csvTable, error) {
	t := &csvTable{path: path}

	header, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	fresh := header == nil
	if fresh {
		header = append([]string(nil), base...)
	}
	t.setHeader(header)

	// older files may predate a base column; widen them now
	var missing []string
	for _, col := range base {
		if _, ok := t.index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		if err := t.rewrite(append(t.header, missing...)); err != nil {
			return nil, err
		}
		return t, nil
	}

	if err := t.openAppend(); err != nil {
		return nil, err
	}
	if fresh {
		if err := t.writer.Write(t.header); err != nil {
			return nil, fmt.Errorf("failed to write csv header %s: %w", path, err)
		}
		t.writer.Flush()
		if err := t.writer.Error(); err != nil {
			return nil, fmt.Errorf("failed to flush csv header %s: %w", path, err)
		}
	}
	return t, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open csv %s: %w", path, err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header %s: %w", path, err)
	}
	return header, nil
}

func (t *csvTable) setHeader(header []string) {
	t.header = header
	t.index = make(map[string]int, len(header))
	for i, col := range header {
		t.index[col] = i
	}
}

func (t *csvTable) openAppend() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open csv %s for append: %w", t.path, err)
	}
	t.file = f
	t.writer = csv.NewWriter(f)
	return nil
}

// append writes one row, widening the header first if labels are new
func (t *csvTable) append(values map[string]string, labels []string) error {
	if t.writer == nil {
		// a previous rewrite failed part way; reopen before writing
		if err := t.openAppend(); err != nil {
			return err
		}
	}

	var added []string
	seen := make(map[string]bool, len(labels))
	for _, label := range labels {
		if _, ok := t.index[label]; !ok && !seen[label] {
			added = append(added, label)
			seen[label] = true
		}
	}
	if len(added) > 0 {
		if err := t.rewrite(append(append([]string(nil), t.header...), added...)); err != nil {
			return err
		}
	}

	record := make([]string, len(t.header))
	for i, col := range t.header {
		record[i] = values[col]
	}
	if err := t.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write csv row %s: %w", t.path, err)
	}
	t.writer.Flush()
	return t.writer.Error()
}

// rewrite replaces the file with the widened header, carrying over the
// existing rows by column name.
func (t *csvTable) rewrite(header []string) error {
	if err := t.close(); err != nil {
		return err
	}

	var rows [][]string
	if f, err := os.Open(t.path); err == nil {
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		rows, err = r.ReadAll()
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to read csv %s for rewrite: %w", t.path, err)
		}
	}

	var oldHeader []string
	if len(rows) > 0 {
		oldHeader, rows = rows[0], rows[1:]
	}

	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("failed to write csv header %s: %w", tmp, err)
	}
	for _, old := range rows {
		byName := make(map[string]string, len(oldHeader))
		for i, col := range oldHeader {
			if i < len(old) {
				byName[col] = old[i]
			}
		}
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = byName[col]
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("failed to copy csv row %s: %w", tmp, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", t.path, err)
	}

	t.setHeader(header)
	return t.openAppend()
}

func (t *csvTable) close() error {
	if t.file == nil {
		return nil
	}
	t.writer.Flush()
	err := multierr.Combine(t.writer.Error(), t.file.Close())
	t.file, t.writer = nil, nil
	return err
}
