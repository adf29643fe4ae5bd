package session

import (
    "context"
    "io"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/internal/worker"
)

type fakeStore struct {
    agent      *persistence.Agent
    extension  *persistence.Extension
    skills     []persistence.Skill
    groups     []string
    nextID     uint64
}

func (f *fakeStore) FindAgentByCredentials(ctx context.Context, username, passwordHash string) (*persistence.Agent, error) {
    if f.agent != nil && f.agent.Username == username && f.agent.PasswordHash == passwordHash {
        return f.agent, nil
    }
    return nil, nil
}

func (f *fakeStore) FindExtensionByAddress(ctx context.Context, ip string) (*persistence.Extension, error) {
    return f.extension, nil
}

func (f *fakeStore) ListSkills(ctx context.Context, agentID uint64) ([]persistence.Skill, error) {
    return f.skills, nil
}

func (f *fakeStore) ListGroups(ctx context.Context, agentID uint64) ([]string, error) {
    return f.groups, nil
}

func (f *fakeStore) OpenSession(ctx context.Context, agentID, extenMapID uint64, loginTime time.Time) (uint64, error) {
    f.nextID++
    return f.nextID, nil
}

func (f *fakeStore) CloseSession(ctx context.Context, sessionID uint64, logoutTime time.Time) error {
    return nil
}

func (f *fakeStore) OpenStatus(ctx context.Context, sessionID uint64, status int, start time.Time) (uint64, error) {
    f.nextID++
    return f.nextID, nil
}

func (f *fakeStore) CloseStatus(ctx context.Context, statusID uint64, finish time.Time) error {
    return nil
}

func (f *fakeStore) Close() error { return nil }

func newTestSession(t *testing.T, store persistence.Store, hooks Hooks) (*Session, net.Conn) {
    t.Helper()
    serverConn, clientConn := net.Pipe()
    t.Cleanup(func() { clientConn.Close() })

    pool := worker.NewPool(1, 8)
    t.Cleanup(pool.Stop)

    // Drain everything the session writes so writeFrame never blocks on
    // the unbuffered net.Pipe.
    go io.Copy(io.Discard, clientConn)

    s := New(serverConn, pool.At(0), store, nil, hooks, Config{})
    return s, clientConn
}

func TestCheckAuthenticationSucceedsAndBindsIdentity(t *testing.T) {
    store := &fakeStore{
        agent: &persistence.Agent{
            AgentID:      7,
            Username:     "alice",
            PasswordHash: hashPassword("secret"),
            FullName:     "Alice Agent",
            Level:        1,
        },
        groups: []string{"sales"},
    }

    loggedIn := make(chan struct{}, 1)
    s, client := newTestSession(t, store, Hooks{
        OnLoggedIn: func(s *Session) { loggedIn <- struct{}{} },
    })
    defer client.Close()

    done := make(chan struct{})
    s.Enqueue(func() {
        s.checkAuthentication("alice:secret", false)
        close(done)
    })

    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("checkAuthentication did not complete")
    }

    select {
    case <-loggedIn:
    case <-time.After(2 * time.Second):
        t.Fatal("OnLoggedIn hook was not invoked")
    }

    assert.Equal(t, "alice", s.Username())
    assert.Equal(t, LevelSupervisor, s.Level())
    assert.Equal(t, StateAuthenticated, s.State())
}

func TestCheckAuthenticationFailsOnBadCredentials(t *testing.T) {
    store := &fakeStore{
        agent: &persistence.Agent{Username: "alice", PasswordHash: hashPassword("secret")},
    }

    s, client := newTestSession(t, store, Hooks{})
    defer client.Close()

    done := make(chan struct{})
    s.Enqueue(func() {
        s.checkAuthentication("alice:wrong", false)
        close(done)
    })

    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("checkAuthentication did not complete")
    }

    assert.Equal(t, StatePreAuth, s.State())
    assert.Empty(t, s.Username())
}

func TestDispatchActionIgnoredBeforeAuthentication(t *testing.T) {
    called := false
    s, client := newTestSession(t, &fakeStore{}, Hooks{
        OnAskDialAuthorization: func(s *Session, destination, customerID, campaign string) { called = true },
    })
    defer client.Close()

    done := make(chan struct{})
    s.Enqueue(func() {
        s.dispatchAction("ask-dial-authorization", map[string]string{"destination": "5551234"})
        close(done)
    })

    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("dispatchAction did not complete")
    }

    assert.False(t, called, "hooks must not fire before authentication")
}

func TestDispatchStatusActionInvokesHookWithParsedAttrs(t *testing.T) {
    store := &fakeStore{
        agent: &persistence.Agent{Username: "alice", PasswordHash: hashPassword("secret")},
    }

    var gotReady, gotOutbound bool
    var gotExtension, gotGroup string
    invoked := make(chan struct{}, 1)

    s, client := newTestSession(t, store, Hooks{
        OnChangeAgentStatus: func(s *Session, ready, outbound bool, extension, group string) {
            gotReady, gotOutbound, gotExtension, gotGroup = ready, outbound, extension, group
            invoked <- struct{}{}
        },
    })
    defer client.Close()

    authDone := make(chan struct{})
    s.Enqueue(func() {
        s.checkAuthentication("alice:secret", false)
        close(authDone)
    })
    <-authDone

    done := make(chan struct{})
    s.Enqueue(func() {
        s.dispatchAction("status", map[string]string{
            "ready":     "true",
            "outbound":  "false",
            "extension": "1001",
            "group":     "sales",
        })
        close(done)
    })

    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatal("dispatchAction did not complete")
    }

    select {
    case <-invoked:
    case <-time.After(2 * time.Second):
        t.Fatal("OnChangeAgentStatus hook was not invoked")
    }

    require.True(t, gotReady)
    assert.False(t, gotOutbound)
    assert.Equal(t, "1001", gotExtension)
    assert.Equal(t, "sales", gotGroup)
}
