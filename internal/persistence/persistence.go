// Package persistence defines the storage boundary consumed by the session
// and registry layers. Schema ownership and the concrete database driver
// live behind this interface; the session and registry layers issue no SQL
// directly. The operator CLI in cmd/cti-server runs its own read-only
// queries through MySQLStore.DB().
package persistence

import (
    "context"
    "time"
)

// Agent is a row from the agent directory, keyed by login name.
type Agent struct {
    AgentID      uint64
    Username     string
    PasswordHash string
    FullName     string
    Level        int
}

// Skill is an agent-assigned skill, reported to the client at login.
type Skill struct {
    ID   uint64
    Name string
}

// Extension binds a client's source IP address to a dialable extension.
type Extension struct {
    MapID     uint64
    Extension string
}

// Store is the narrow persistence surface the session layer depends on.
// All methods are safe for concurrent use.
type Store interface {
    // FindAgentByCredentials looks up an agent by username and a
    // pre-hashed password. Returns (nil, nil) on no match, never a
    // sentinel not-found error — authentication failure is a normal
    // outcome, not an exceptional one.
    FindAgentByCredentials(ctx context.Context, username, passwordHash string) (*Agent, error)

    // FindExtensionByAddress looks up the extension mapped to a peer's
    // IP address. Returns (nil, nil) when no mapping exists.
    FindExtensionByAddress(ctx context.Context, ipAddress string) (*Extension, error)

    // ListSkills returns the skills assigned to an agent.
    ListSkills(ctx context.Context, agentID uint64) ([]Skill, error)

    // ListGroups returns the queue names an agent belongs to.
    ListGroups(ctx context.Context, agentID uint64) ([]string, error)

    // OpenSession records a login and returns the new session log id.
    OpenSession(ctx context.Context, agentID, extenMapID uint64, loginTime time.Time) (uint64, error)

    // CloseSession marks a session log row as logged out.
    CloseSession(ctx context.Context, sessionID uint64, logoutTime time.Time) error

    // OpenStatus records the start of a status period and returns its id.
    OpenStatus(ctx context.Context, sessionID uint64, status int, start time.Time) (uint64, error)

    // CloseStatus marks a status period as finished.
    CloseStatus(ctx context.Context, statusID uint64, finish time.Time) error

    // Close releases underlying resources.
    Close() error
}
