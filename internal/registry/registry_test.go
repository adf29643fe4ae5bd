package registry

import (
    "testing"

    "github.com/stretchr/testify/assert"

    "github.com/riverside-tel/orange-cti/internal/group"
    "github.com/riverside-tel/orange-cti/internal/worker"
)

func newTestRegistry(t *testing.T) *Registry {
    t.Helper()
    pool := worker.NewPool(2, 8)
    t.Cleanup(pool.Stop)
    return New(Config{ListenAddress: "127.0.0.1", Port: 0}, pool, nil, nil, group.NewManager())
}

func TestConnectionCountStartsAtZero(t *testing.T) {
    r := newTestRegistry(t)
    assert.Equal(t, 0, r.ConnectionCount())
    assert.Empty(t, r.Sessions())
}

func TestSessionByUsernameMissReturnsNil(t *testing.T) {
    r := newTestRegistry(t)
    assert.Nil(t, r.sessionByUsername("nobody"))
}

func TestSessionByExtensionMissReturnsNil(t *testing.T) {
    r := newTestRegistry(t)
    assert.Nil(t, r.sessionByExtension("1001"))
}
