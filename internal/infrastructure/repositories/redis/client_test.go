package redis

import (
	"context"
	"testing"
	"time"

	"meetrelay/pkg/retry"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRedisClient_Connects(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), ClientConfig{Address: server.Addr(), PoolSize: 4},
		retry.DefaultConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer CloseRedisClient(client)

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewRedisClient_GivesUp(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	startup := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	_, err := NewRedisClient(context.Background(), ClientConfig{Address: addr}, startup, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestCloseRedisClient_Nil(t *testing.T) {
	assert.NoError(t, CloseRedisClient(nil))
}
