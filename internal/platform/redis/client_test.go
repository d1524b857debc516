package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/platform/config"
)

func TestNewWithoutURL(t *testing.T) {
	c, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestOptions(t *testing.T) {
	t.Run("applies positive overrides", func(t *testing.T) {
		opts, err := options(config.RedisConfig{
			URL:          "redis://:pw@cache:6380/2",
			PoolSize:     8,
			MinIdleConns: 2,
			DialTimeout:  time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, "cache:6380", opts.Addr)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 8, opts.PoolSize)
		assert.Equal(t, 2, opts.MinIdleConns)
		assert.Equal(t, time.Second, opts.DialTimeout)
	})

	t.Run("keeps library defaults for zero values", func(t *testing.T) {
		opts, err := options(config.RedisConfig{URL: "redis://cache:6379"})
		require.NoError(t, err)
		assert.Zero(t, opts.PoolSize)
		assert.Zero(t, opts.ReadTimeout)
	})

	t.Run("rejects a malformed url", func(t *testing.T) {
		_, err := options(config.RedisConfig{URL: "http://cache"})
		assert.ErrorContains(t, err, "parse redis URL")
	})
}
