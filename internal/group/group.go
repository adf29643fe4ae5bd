// Package group implements the visibility and broadcast rules for a
// named bag of authenticated agent sessions sharing a queue.
package group

import (
    "sync"

    "github.com/riverside-tel/orange-cti/internal/session"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// Group holds the sessions currently logged into one queue. Membership
// changes only on login/logout; a session may belong to several groups
// at once.
type Group struct {
    name string

    mu      sync.RWMutex
    members map[string]*session.Session // username -> session
}

func newGroup(name string) *Group {
    return &Group{name: name, members: make(map[string]*session.Session)}
}

// Name returns the queue name this group is keyed by.
func (g *Group) Name() string { return g.name }

// Size returns the current member count.
func (g *Group) Size() int {
    g.mu.RLock()
    defer g.mu.RUnlock()
    return len(g.members)
}

func (g *Group) add(s *session.Session) {
    g.mu.Lock()
    g.members[s.Username()] = s
    g.mu.Unlock()
}

func (g *Group) remove(username string) {
    g.mu.Lock()
    delete(g.members, username)
    g.mu.Unlock()
}

func (g *Group) snapshot() []*session.Session {
    g.mu.RLock()
    defer g.mu.RUnlock()
    out := make([]*session.Session, 0, len(g.members))
    for _, s := range g.members {
        out = append(out, s)
    }
    return out
}

// visible reports whether subject's status is visible to receiver: they
// must be different sessions and the receiver must outrank the subject.
func visible(receiver, subject *session.Session) bool {
    if receiver == subject {
        return false
    }
    return receiver.Level() > subject.Level()
}

// broadcastAgentStatus sends subject's current snapshot to every member
// that outranks it, each write marshalled onto the receiver's own
// worker.
func (g *Group) broadcastAgentStatus(subject *session.Session) {
    for _, r := range g.snapshot() {
        if !visible(r, subject) {
            continue
        }
        r := r
        r.Enqueue(func() {
            if err := r.WriteAgentStatus(subject.Username(), subject.Fullname(), subject.Handle(), subject.Abandoned(), subject.CurrentPhone(), subject.PrimaryGroup()); err != nil {
                logger.WithError(err).WithField("peer_addr", r.IPAddress()).Warn("Failed to broadcast agent status")
            }
        })
    }
}

// retrieveAgentStatuses sends every existing member's snapshot back to a
// newly-joined subject, filtered by the same visibility rule so it only
// learns about agents it outranks.
func (g *Group) retrieveAgentStatuses(subject *session.Session) {
    for _, m := range g.snapshot() {
        if !visible(subject, m) {
            continue
        }
        m := m
        subject.Enqueue(func() {
            if err := subject.WriteAgentStatus(m.Username(), m.Fullname(), m.Handle(), m.Abandoned(), m.CurrentPhone(), m.PrimaryGroup()); err != nil {
                logger.WithError(err).WithField("peer_addr", subject.IPAddress()).Warn("Failed to retrieve agent status")
            }
        })
    }
}

// notifyLogout tells every member that outranks subject that it has
// logged out.
func (g *Group) notifyLogout(subject *session.Session) {
    for _, r := range g.snapshot() {
        if r.Level() <= subject.Level() {
            continue
        }
        r := r
        username, extension, name, address := subject.Username(), subject.Extension(), subject.PrimaryGroup(), subject.IPAddress()
        r.Enqueue(func() {
            if err := r.WriteLogoutNotice(username, extension, name, address); err != nil {
                logger.WithError(err).WithField("peer_addr", r.IPAddress()).Warn("Failed to notify group of logout")
            }
        })
    }
}
