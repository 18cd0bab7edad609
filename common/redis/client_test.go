package redis

import (
	"context"
	"testing"

	"wisefido-carelink/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_PingAndClose(t *testing.T) {
	mr := miniredis.RunT(t)

	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, Ping(context.Background(), client))
	require.NoError(t, Close(client))

	assert.Error(t, Ping(context.Background(), client))
	assert.NoError(t, Close(nil))
}

func TestPing_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := NewRedisClient(&config.RedisConfig{Addr: addr})
	defer client.Close()
	assert.Error(t, Ping(context.Background(), client))
}
