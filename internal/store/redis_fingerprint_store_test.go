package store

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unreachableRedis returns a client pointed at a port nothing listens on
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisFingerprintStore_KeyPrefix(t *testing.T) {
	s := NewRedisFingerprintStoreWithClient(unreachableRedis(t), "attendance:dedup:", zap.NewNop())
	assert.Equal(t, "attendance:dedup:abc", s.key("abc"))
}

func TestRedisFingerprintStore_ReportsBackendErrors(t *testing.T) {
	s := NewRedisFingerprintStoreWithClient(unreachableRedis(t), "attendance:dedup:", zap.NewNop())
	ctx := context.Background()

	dup, err := s.CheckAndRecord(ctx, "abc", time.Now(), 500*time.Millisecond)
	assert.Error(t, err)
	assert.False(t, dup)

	assert.Error(t, s.Forget(ctx, "abc"))
	assert.Error(t, s.Ping(ctx))
}

func TestNewRedisFingerprintStore_FailsWithoutServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = NewRedisFingerprintStore(RedisOptions{Host: "127.0.0.1", Port: port, MaxRetries: -1}, zap.NewNop())
	assert.Error(t, err)
}
