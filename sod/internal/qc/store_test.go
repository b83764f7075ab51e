package qc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestMemoryWindowStore(t *testing.T) {
	s := NewMemoryWindowStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := s.MarkSeen(ctx, "k")
	require.NoError(t, err)
	assert.True(t, first)

	first, _ = s.MarkSeen(ctx, "k")
	assert.False(t, first)

	first, _ = s.MarkSeen(ctx, "other")
	assert.True(t, first)

	now = now.Add(2 * time.Minute)
	first, _ = s.MarkSeen(ctx, "k")
	assert.True(t, first, "expired keys are new again")
}

func TestMemoryWindowStore_NoTTL(t *testing.T) {
	s := NewMemoryWindowStore(0)
	s.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }

	first, _ := s.MarkSeen(context.Background(), "k")
	assert.True(t, first)
	first, _ = s.MarkSeen(context.Background(), "k")
	assert.False(t, first)
}

func TestRedisWindowStore(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisWindowStore(client, time.Hour)
	ctx := context.Background()

	first, err := s.MarkSeen(ctx, "IU.ANMO.00.BHZ|w")
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("sod:qc:window:IU.ANMO.00.BHZ|w"))

	first, err = s.MarkSeen(ctx, "IU.ANMO.00.BHZ|w")
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(61 * time.Minute)
	first, err = s.MarkSeen(ctx, "IU.ANMO.00.BHZ|w")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestRedisWindowStore_ErrorIsIndeterminate(t *testing.T) {
	mr, client := setupTestRedis(t)
	chain := NewChain(false, DuplicateWindowCheck{Store: NewRedisWindowStore(client, time.Hour)})
	mr.Close()

	verdicts, agg := chain.Run(context.Background(), testSegment())
	assert.Equal(t, models.VerdictIndeterminate, agg)
	assert.Contains(t, verdicts[0].Reason, "mark window seen")
}
