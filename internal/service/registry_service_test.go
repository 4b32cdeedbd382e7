package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectionRegistry_EnrollEvict(t *testing.T) {
	r := NewConnectionRegistry(newTestMetrics(), zap.NewNop())
	a := newTestConn(1, 5)
	b := newTestConn(1, 5)
	c := newTestConn(1, 6)

	assert.True(t, r.Enroll(a))
	assert.False(t, r.Enroll(a), "enroll is idempotent per connection id")
	r.Enroll(b)
	r.Enroll(c)

	assert.Equal(t, 3, r.Count())
	assert.Len(t, r.TenantConnections(1), 3)
	assert.Len(t, r.UserConnections(1, 5), 2)
	assert.Len(t, r.UserConnections(1, 6), 1)

	assert.True(t, r.Evict(a))
	assert.False(t, r.Evict(a))
	assert.Len(t, r.UserConnections(1, 5), 1)
	assert.True(t, r.HasUser(1, 5))

	r.Evict(b)
	assert.False(t, r.HasUser(1, 5), "empty user bucket is removed")
	assert.True(t, r.HasTenant(1))

	r.Evict(c)
	assert.False(t, r.HasTenant(1), "empty tenant bucket is removed")
	assert.Equal(t, 0, r.TenantCount())
	assert.Equal(t, 0, r.Count())
}

func TestConnectionRegistry_TenantsAreSeparate(t *testing.T) {
	r := NewConnectionRegistry(newTestMetrics(), zap.NewNop())
	a := newTestConn(1, 5)
	other := newTestConn(2, 5)
	r.Enroll(a)
	r.Enroll(other)

	conns := r.TenantConnections(1)
	require.Len(t, conns, 1)
	assert.Equal(t, a.ID, conns[0].ID)
	assert.Empty(t, r.TenantConnections(3))
	assert.Len(t, r.UserConnections(2, 5), 1)
}

func TestConnectionRegistry_Concurrent(t *testing.T) {
	r := NewConnectionRegistry(newTestMetrics(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			c := newTestConn(1, user%5)
			r.Enroll(c)
			_ = r.TenantConnections(1)
			r.Evict(c)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.False(t, r.HasTenant(1))
}

func TestConnectionRegistry_CloseAll(t *testing.T) {
	r := NewConnectionRegistry(newTestMetrics(), zap.NewNop())
	a := newTestConn(1, 5)
	b := newTestConn(2, 6)
	r.Enroll(a)
	r.Enroll(b)

	r.CloseAll()

	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
}

func TestConnectionRegistry_EnrollAfterCloseAll(t *testing.T) {
	r := NewConnectionRegistry(newTestMetrics(), zap.NewNop())
	r.CloseAll()

	// a handshake that finished upgrading during shutdown
	late := newTestConn(1, 5)
	assert.False(t, r.Enroll(late))
	assert.True(t, late.IsClosed())
	assert.Zero(t, r.Count())
	assert.False(t, r.HasTenant(1))
}
