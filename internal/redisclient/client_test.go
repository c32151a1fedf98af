package redisclient_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/redisclient"
)

func TestNewAppliesPoolSizeMultiplier(t *testing.T) {
	cfg := &config.Config{Redis: config.Redis{
		Addr:               "localhost:6379",
		PoolSizeMultiplier: 4,
		MinIdleConns:       2,
	}}

	c := redisclient.New(cfg)
	defer c.Close()

	opts := c.Options()
	assert.Equal(t, 4*runtime.NumCPU(), opts.PoolSize)
	assert.Equal(t, 2, opts.MinIdleConns)
}

func TestNewDefaultsPoolSizeWhenMultiplierUnset(t *testing.T) {
	cfg := &config.Config{Redis: config.Redis{Addr: "localhost:6379"}}

	c := redisclient.New(cfg)
	defer c.Close()

	assert.Equal(t, 10*runtime.NumCPU(), c.Options().PoolSize)
}
