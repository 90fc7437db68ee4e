package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink_NilIsNoop(t *testing.T) {
	var sink *RedisSink
	ctx := context.Background()
	assert.NoError(t, sink.WriteCellRow(ctx, CellRow{MEID: "m1"}))
	assert.NoError(t, sink.WriteUERow(ctx, UERow{MEID: "m1"}))
	fields, err := sink.LatestCell(ctx, "m1", "c1")
	assert.NoError(t, err)
	assert.Nil(t, fields)
	assert.NoError(t, sink.Close())
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6379", "secret")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "secret", opts.Password)

	opts, err = redisOptions("redis://cache:6380/2", "")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
}

func TestRedisSink_LatestSnapshot(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	sink, err := NewRedisSink(addr, "", time.Minute)
	if err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer sink.Close()

	ctx := context.Background()
	meid := "test-meid-" + time.Now().Format("150405.000000")
	require.NoError(t, sink.WriteCellRow(ctx, CellRow{
		Timestamp: 1700000000123, MEID: meid, CellID: "c1", Format: "1",
		Measurements: []Sample{{Label: "thp", Value: "12.5"}},
	}))

	fields, err := sink.LatestCell(ctx, meid, "c1")
	require.NoError(t, err)
	assert.Equal(t, "12.5", fields["thp"])

	ts, err := SnapshotTimestamp(fields)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())

	ttl, err := sink.client.TTL(ctx, CellKey(meid, "c1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	sink.client.Del(ctx, CellKey(meid, "c1"))
}
