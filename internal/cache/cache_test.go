package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMemoryExpires(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)
	got, ok := m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Minute)
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryDeleteAndZeroTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), 0)
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok, "zero ttl disables caching")

	m.Set(ctx, "k", []byte("v"), time.Hour)
	m.Delete(ctx, "k")
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNewFallsBackToMemory(t *testing.T) {
	c := New(context.Background(), "", zap.NewNop())
	assert.IsType(t, &Memory{}, c)

	c = New(context.Background(), "not-a-redis-url", zap.NewNop())
	assert.IsType(t, &Memory{}, c)
}
