package group

import (
    "sync"

    "github.com/riverside-tel/orange-cti/internal/session"
)

// Manager owns every Group, created lazily on first member insertion and
// kept for the life of the process.
type Manager struct {
    mu     sync.RWMutex
    groups map[string]*Group
}

// NewManager returns an empty group manager.
func NewManager() *Manager {
    return &Manager{groups: make(map[string]*Group)}
}

func (m *Manager) groupFor(name string) *Group {
    m.mu.RLock()
    g, ok := m.groups[name]
    m.mu.RUnlock()
    if ok {
        return g
    }

    m.mu.Lock()
    defer m.mu.Unlock()
    if g, ok := m.groups[name]; ok {
        return g
    }
    g = newGroup(name)
    m.groups[name] = g
    return g
}

// Get returns a named group if it has ever had a member, without
// creating one.
func (m *Manager) Get(name string) (*Group, bool) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    g, ok := m.groups[name]
    return g, ok
}

// List returns every group that currently exists.
func (m *Manager) List() []*Group {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]*Group, 0, len(m.groups))
    for _, g := range m.groups {
        out = append(out, g)
    }
    return out
}

// Join enrolls s into every one of its groups, broadcasting its arrival
// to higher-level members and replaying existing members' statuses back
// to it, in that order, mirroring the original login sequence.
func (m *Manager) Join(s *session.Session) {
    for _, name := range s.Groups() {
        g := m.groupFor(name)
        g.add(s)
        g.broadcastAgentStatus(s)
        g.retrieveAgentStatuses(s)
    }
}

// Leave removes s from every group it belongs to and notifies members
// that outrank it of the logout.
func (m *Manager) Leave(s *session.Session) {
    for _, name := range s.Groups() {
        g, ok := m.Get(name)
        if !ok {
            continue
        }
        g.notifyLogout(s)
        g.remove(s.Username())
    }
}

// PhoneStatusChanged rebroadcasts s's current snapshot to every group it
// belongs to.
func (m *Manager) PhoneStatusChanged(s *session.Session) {
    for _, name := range s.Groups() {
        g, ok := m.Get(name)
        if !ok {
            continue
        }
        g.broadcastAgentStatus(s)
    }
}

// Intersects reports whether a and b share at least one group, the
// authorization rule for a supervisor's forced status change or spy
// request against a subordinate.
func Intersects(a, b *session.Session) bool {
    return a.SharesGroupWith(b)
}
