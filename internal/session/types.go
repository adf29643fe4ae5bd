package session

import "time"

// Level is an agent's authority tier. Visibility and supervisor-authority
// checks throughout the group broker compare levels with plain ordering.
type Level int

const (
    LevelAgent Level = iota
    LevelSupervisor
    LevelManager
)

// Status is the agent's current work state, journaled to acd_log_agent_status.
type Status int

const (
    StatusLogin Status = iota
    StatusReady
    StatusNotReady
    StatusLogout
    StatusAUX
    StatusACW
)

// statusByMode resolves the "ready" action's mode attribute to a Status,
// mirroring the original's statusText lookup table.
var statusByMode = map[string]Status{
    "ready":     StatusReady,
    "not-ready": StatusNotReady,
    "acw":       StatusACW,
    "aux":       StatusAUX,
}

// State is the session's position in the authentication/lifecycle state
// machine.
type State int

const (
    StatePreAuth State = iota
    StateAuthenticated
    StateClosing
)

// Phone is the agent's current phone/channel snapshot, broadcast to peers
// on every phone-status change.
type Phone struct {
    Time       time.Time
    Status     string
    Outbound   bool
    Channel    string
    Active     bool
    DNIS       string
}

// Skill is an agent-assigned skill reported at login.
type Skill struct {
    Name string
    ID   uint64
}
