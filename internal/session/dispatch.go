package session

import "strconv"

// dispatchAction routes an authenticated <action type="..."> element to
// its handler. Runs on the session's pinned worker. Actions received
// before the session reaches StateAuthenticated are dropped here.
func (s *Session) dispatchAction(actionType string, attrs map[string]string) {
    if s.State() != StateAuthenticated {
        return
    }

    switch actionType {
    case "ready":
        s.handleReadyAction(attrs)
    case "ask-dial-authorization":
        s.handleAskDialAuthorization(attrs)
    case "spy":
        s.handleSpyAction(attrs)
    case "status":
        s.handleStatusAction(attrs)
    }
}

// handleReadyAction is the agent's own status toggle: "ready"/"not-ready"
// with an outbound flag, or the finer-grained "acw"/"aux" modes.
func (s *Session) handleReadyAction(attrs map[string]string) {
    outbound := attrs["outbound"] == "true"

    if attrs["value"] == "true" {
        s.changeStatus(StatusReady)
        s.changePhoneStatus("ready", outbound)
        return
    }

    mode := attrs["mode"]
    if status, ok := statusByMode[mode]; ok {
        s.changeStatus(status)
        s.changePhoneStatus(mode, outbound)
        return
    }

    s.changeStatus(StatusNotReady)
    s.changePhoneStatus("not-ready", outbound)
}

func (s *Session) handleAskDialAuthorization(attrs map[string]string) {
    if s.hooks.OnAskDialAuthorization == nil {
        return
    }
    s.hooks.OnAskDialAuthorization(s, attrs["destination"], attrs["customerid"], attrs["campaign"])
}

func (s *Session) handleSpyAction(attrs map[string]string) {
    if s.hooks.OnSpyRequested == nil {
        return
    }
    s.hooks.OnSpyRequested(s, attrs["agent"])
}

// handleStatusAction is a supervisor forcing another agent's status;
// authorization (group intersection) is enforced by the registry/group
// layer that owns OnChangeAgentStatus, not here.
func (s *Session) handleStatusAction(attrs map[string]string) {
    if s.hooks.OnChangeAgentStatus == nil {
        return
    }
    ready, _ := strconv.ParseBool(attrs["ready"])
    outbound, _ := strconv.ParseBool(attrs["outbound"])
    s.hooks.OnChangeAgentStatus(s, ready, outbound, attrs["extension"], attrs["group"])
}
