package group

import (
    "context"
    "io"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"

    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/internal/session"
    "github.com/riverside-tel/orange-cti/internal/worker"
)

type nopStore struct{}

func (nopStore) FindAgentByCredentials(ctx context.Context, username, passwordHash string) (*persistence.Agent, error) {
    return nil, nil
}
func (nopStore) FindExtensionByAddress(ctx context.Context, ip string) (*persistence.Extension, error) {
    return nil, nil
}
func (nopStore) ListSkills(ctx context.Context, agentID uint64) ([]persistence.Skill, error) {
    return nil, nil
}
func (nopStore) ListGroups(ctx context.Context, agentID uint64) ([]string, error) { return nil, nil }
func (nopStore) OpenSession(ctx context.Context, agentID, extenMapID uint64, loginTime time.Time) (uint64, error) {
    return 1, nil
}
func (nopStore) CloseSession(ctx context.Context, sessionID uint64, logoutTime time.Time) error {
    return nil
}
func (nopStore) OpenStatus(ctx context.Context, sessionID uint64, status int, start time.Time) (uint64, error) {
    return 1, nil
}
func (nopStore) CloseStatus(ctx context.Context, statusID uint64, finish time.Time) error {
    return nil
}
func (nopStore) Close() error { return nil }

// newMemberSession builds a bare session pinned to its own single-worker
// pool, draining its writes so they never block on the unbuffered
// net.Pipe. It starts unauthenticated (LevelAgent, empty username),
// which is enough to exercise visibility and membership bookkeeping.
func newMemberSession(t *testing.T) *session.Session {
    t.Helper()
    serverConn, clientConn := net.Pipe()
    t.Cleanup(func() { clientConn.Close() })
    go io.Copy(io.Discard, clientConn)

    pool := worker.NewPool(1, 8)
    t.Cleanup(pool.Stop)

    return session.New(serverConn, pool.At(0), nopStore{}, nil, session.Hooks{}, session.Config{})
}

func TestGroupVisibilityFiltersByLevel(t *testing.T) {
    higher := newMemberSession(t)
    lower := newMemberSession(t)

    assert.False(t, visible(higher, higher), "a session never sees its own broadcast")
    // Both start at LevelAgent (zero value) in this harness, so neither
    // outranks the other.
    assert.False(t, visible(higher, lower))
    assert.False(t, visible(lower, higher))
}

func TestGroupSizeTracksAddAndRemove(t *testing.T) {
    g := newGroup("sales")
    s := newMemberSession(t)

    g.add(s)
    assert.Equal(t, 1, g.Size())

    g.remove(s.Username())
    assert.Equal(t, 0, g.Size())
}

func TestManagerGetDoesNotCreateGroups(t *testing.T) {
    m := NewManager()
    _, ok := m.Get("sales")
    assert.False(t, ok, "Get must not lazily create a group")
}

func TestManagerGroupForCreatesOnce(t *testing.T) {
    m := NewManager()
    a := m.groupFor("sales")
    b := m.groupFor("sales")
    assert.Same(t, a, b, "groupFor must return the same instance for repeat calls")
}

func TestIntersectsDelegatesToSharesGroupWith(t *testing.T) {
    a := newMemberSession(t)
    b := newMemberSession(t)

    assert.Equal(t, a.SharesGroupWith(b), Intersects(a, b))
}
