package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const kpiSchema = `
	CREATE TABLE IF NOT EXISTS kpi_cell_rows (
		id           BIGSERIAL PRIMARY KEY,
		recorded_at  TIMESTAMPTZ NOT NULL,
		meid         TEXT NOT NULL,
		cell_id      TEXT NOT NULL,
		format       TEXT NOT NULL,
		measurements JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS kpi_cell_rows_meid_cell_idx ON kpi_cell_rows (meid, cell_id, recorded_at);
	CREATE TABLE IF NOT EXISTS kpi_ue_rows (
		id           BIGSERIAL PRIMARY KEY,
		recorded_at  TIMESTAMPTZ NOT NULL,
		meid         TEXT NOT NULL,
		cell_id      TEXT NOT NULL,
		ue_id        TEXT NOT NULL,
		node_id      TEXT,
		measurements JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS kpi_ue_rows_meid_ue_idx ON kpi_ue_rows (meid, ue_id, recorded_at);
`

// PostgresSink stores every KPI row with its samples as JSONB
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink opens a pgx pool and makes sure the KPI tables exist
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		// close the pool if ping fails to avoid resource leak
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, kpiSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure kpi schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) WriteCellRow(ctx context.Context, row CellRow) error {
	samples, err := samplesJSON(row.Measurements)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO kpi_cell_rows (recorded_at, meid, cell_id, format, measurements)
		VALUES ($1, $2, $3, $4, $5)
	`, time.UnixMilli(row.Timestamp), row.MEID, row.CellID, row.Format, samples)
	if err != nil {
		return fmt.Errorf("failed to insert cell row: %w", err)
	}
	return nil
}

func (p *PostgresSink) WriteUERow(ctx context.Context, row UERow) error {
	samples, err := samplesJSON(row.Measurements)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO kpi_ue_rows (recorded_at, meid, cell_id, ue_id, node_id, measurements)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, time.UnixMilli(row.Timestamp), row.MEID, row.CellID, row.UEID, row.NodeID, samples)
	if err != nil {
		return fmt.Errorf("failed to insert ue row: %w", err)
	}
	return nil
}

// CountCellRows is used by operators and tests to check ingestion
func (p *PostgresSink) CountCellRows(ctx context.Context, meid string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM kpi_cell_rows WHERE meid = $1`, meid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cell rows: %w", err)
	}
	return n, nil
}

func (p *PostgresSink) Close() error {
	p.pool.Close()
	return nil
}

// samplesJSON encodes samples as a label → value object
func samplesJSON(samples []Sample) (string, error) {
	obj := make(map[string]string, len(samples))
	for _, m := range samples {
		obj[m.Label] = m.Value
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to encode samples: %w", err)
	}
	return string(b), nil
}
