package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps the latest KPI snapshot per cell and per UE as hashes,
// so dashboards can read current state without replaying the CSV history.
type RedisSink struct {
	client *redis.Client // Redis client instance
	ttl    time.Duration // expiry applied to every snapshot key
}

// NewRedisSink connects to Redis; redisURL may be a bare host:port or a
// redis:// URL.
func NewRedisSink(redisURL, password string, ttl time.Duration) (*RedisSink, error) {
	opts, err := redisOptions(redisURL, password)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSink{client: rdb, ttl: ttl}, nil
}

func redisOptions(redisURL, password string) (*redis.Options, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:         redisURL,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

func CellKey(meid, cellID string) string {
	return fmt.Sprintf("kpi:cell:%s:%s", meid, cellID)
}

func UEKey(meid, cellID, ueID string) string {
	return fmt.Sprintf("kpi:ue:%s:%s:%s", meid, cellID, ueID)
}

func (r *RedisSink) WriteCellRow(ctx context.Context, row CellRow) error {
	if r == nil || r.client == nil {
		// No-op for testing/mock mode
		return nil
	}
	fields := map[string]any{
		"timestamp": row.Timestamp,
		"meid":      row.MEID,
		"cell_id":   row.CellID,
		"format":    row.Format,
	}
	for _, m := range row.Measurements {
		fields[m.Label] = m.Value
	}
	return r.save(ctx, CellKey(row.MEID, row.CellID), fields)
}

func (r *RedisSink) WriteUERow(ctx context.Context, row UERow) error {
	if r == nil || r.client == nil {
		return nil
	}
	fields := map[string]any{
		"timestamp": row.Timestamp,
		"meid":      row.MEID,
		"cell_id":   row.CellID,
		"ue_id":     row.UEID,
	}
	if row.NodeID != nil {
		fields["node_id"] = *row.NodeID
	}
	for _, m := range row.Measurements {
		fields[m.Label] = m.Value
	}
	return r.save(ctx, UEKey(row.MEID, row.CellID, row.UEID), fields)
}

func (r *RedisSink) save(ctx context.Context, key string, fields map[string]any) error {
	// HSET and EXPIRE in one round trip
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save %s to redis: %w", key, err)
	}
	return nil
}

// LatestCell reads back the newest snapshot for a cell; nil when absent.
func (r *RedisSink) LatestCell(ctx context.Context, meid, cellID string) (map[string]string, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	fields, err := r.client.HGetAll(ctx, CellKey(meid, cellID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil // Not found
	}
	return fields, nil
}

// SnapshotTimestamp parses the stored millisecond timestamp of a snapshot.
func SnapshotTimestamp(fields map[string]string) (time.Time, error) {
	ms, err := strconv.ParseInt(fields["timestamp"], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (r *RedisSink) Close() error {
	if r == nil || r.client == nil {
		// No-op for testing/mock mode
		return nil
	}
	return r.client.Close()
}
