package session

import (
    "fmt"
    "strconv"
    "strings"
    "time"

    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/pkg/errors"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// checkAuthentication validates a plain or base64-encrypted "user:pass"
// credential, binds the session's identity on success, and writes the
// authentication result frame. Runs on the session's pinned worker.
func (s *Session) checkAuthentication(payload string, encrypted bool) {
    plain, err := decodeAuthPayload(payload, encrypted)
    if err != nil {
        s.writeFrame(authStatusElem{ID: "status", Status: "failed", Message: "malformed authentication payload"})
        return
    }

    parts := strings.SplitN(plain, ":", 2)
    if len(parts) != 2 {
        s.writeFrame(authStatusElem{ID: "status", Status: "failed", Message: "malformed credentials"})
        return
    }

    username, password := parts[0], parts[1]
    passwordHash := hashPassword(password)

    ctx, cancel := background()
    defer cancel()

    agent, err := s.store.FindAgentByCredentials(ctx, username, passwordHash)
    if err != nil {
        logger.WithError(errors.Wrap(err, errors.ErrDatabase, "retrieving agent")).Error("Authentication query failed")
        s.writeFrame(authStatusElem{ID: "status", Status: "failed", Message: "retrieve user query error"})
        return
    }
    if agent == nil {
        s.writeFrame(authStatusElem{ID: "status", Status: "failed", Message: "Username/Password incorrect"})
        return
    }

    s.mu.Lock()
    s.username = agent.Username
    s.fullname = agent.FullName
    s.level = Level(agent.Level)
    s.agentID = agent.AgentID
    s.state = StateAuthenticated
    existingExtension := s.extension
    s.mu.Unlock()

    level := int(s.Level())
    resp := authStatusElem{
        ID:     "status",
        Level:  &level,
        Login:  time.Now().Format("2006-01-02 15:04:05"),
        Status: "ok",
    }

    if existingExtension != "" {
        resp.Extension = existingExtension
    } else {
        s.retrieveExtension()
        resp.Extension = s.Extension()
    }

    s.writeFrame(resp)
    s.retrieveSkills()
    s.retrieveGroups()
    s.startSession()
    s.startStatus(StatusLogin)

    if s.hooks.OnLoggedIn != nil {
        s.hooks.OnLoggedIn(s)
    }
}

func (s *Session) retrieveExtension() {
    ctx, cancel := background()
    defer cancel()

    cacheKey := fmt.Sprintf("extension:%s", s.peerAddr)
    var ext persistence.Extension
    if !s.cache.Get(ctx, cacheKey, &ext) {
        found, err := s.store.FindExtensionByAddress(ctx, s.peerAddr)
        if err != nil {
            logger.WithError(err).Error("Retrieving extension mapping failed")
            return
        }
        if found == nil {
            return
        }
        ext = *found
        s.cache.Set(ctx, cacheKey, ext, 5*time.Minute)
    }

    s.mu.Lock()
    s.extension = ext.Extension
    s.extenMapID = ext.MapID
    s.mu.Unlock()

    if s.hooks.OnExtensionChanged != nil {
        s.hooks.OnExtensionChanged(s, ext.Extension)
    }
}

func (s *Session) retrieveSkills() {
    ctx, cancel := background()
    defer cancel()

    cacheKey := fmt.Sprintf("skills:%d", s.agentIDLocked())
    var skills []persistence.Skill
    if !s.cache.Get(ctx, cacheKey, &skills) {
        found, err := s.store.ListSkills(ctx, s.agentIDLocked())
        if err != nil {
            logger.WithError(err).Error("Retrieving agent skills failed")
            return
        }
        skills = found
        s.cache.Set(ctx, cacheKey, skills, 5*time.Minute)
    }

    frame := transferElem{}
    for _, sk := range skills {
        frame.Skills = append(frame.Skills, skillElem{Name: sk.Name, ID: strconv.FormatUint(sk.ID, 10)})
    }
    s.writeFrame(frame)
}

func (s *Session) retrieveGroups() {
    ctx, cancel := background()
    defer cancel()

    cacheKey := fmt.Sprintf("groups:%d", s.agentIDLocked())
    var groups []string
    if !s.cache.Get(ctx, cacheKey, &groups) {
        found, err := s.store.ListGroups(ctx, s.agentIDLocked())
        if err != nil {
            logger.WithError(err).Error("Retrieving agent groups failed")
            return
        }
        groups = found
        s.cache.Set(ctx, cacheKey, groups, time.Minute)
    }

    s.mu.Lock()
    s.groups = groups
    s.mu.Unlock()
}

func (s *Session) agentIDLocked() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.agentID
}

func (s *Session) extenMapIDLocked() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.extenMapID
}

func (s *Session) startSession() {
    ctx, cancel := background()
    defer cancel()

    id, err := s.store.OpenSession(ctx, s.agentIDLocked(), s.extenMapIDLocked(), time.Now())
    if err != nil {
        logger.WithError(err).Error("Opening session log failed")
        return
    }

    s.mu.Lock()
    s.sessionLogID = id
    s.mu.Unlock()
}

func (s *Session) endSession() {
    s.mu.RLock()
    id := s.sessionLogID
    s.mu.RUnlock()
    if id == 0 {
        return
    }

    ctx, cancel := background()
    defer cancel()

    if err := s.store.CloseSession(ctx, id, time.Now()); err != nil {
        logger.WithError(err).Error("Closing session log failed")
        return
    }

    s.mu.Lock()
    s.sessionLogID = 0
    s.mu.Unlock()
}

func (s *Session) startStatus(status Status) {
    s.mu.Lock()
    s.status = status
    sessionLogID := s.sessionLogID
    s.mu.Unlock()

    ctx, cancel := background()
    defer cancel()

    id, err := s.store.OpenStatus(ctx, sessionLogID, int(status), time.Now())
    if err != nil {
        logger.WithError(err).Error("Opening status log failed")
        return
    }

    s.mu.Lock()
    s.statusLogID = id
    s.mu.Unlock()
}

func (s *Session) endStatus() {
    s.mu.RLock()
    id := s.statusLogID
    s.mu.RUnlock()
    if id == 0 {
        return
    }

    ctx, cancel := background()
    defer cancel()

    if err := s.store.CloseStatus(ctx, id, time.Now()); err != nil {
        logger.WithError(err).Error("Closing status log failed")
        return
    }

    s.mu.Lock()
    s.statusLogID = 0
    s.mu.Unlock()
}

// changeStatus closes the currently open status period and opens a new
// one, the journaling discipline every status transition follows.
func (s *Session) changeStatus(status Status) {
    s.endStatus()
    s.startStatus(status)
}

// endLogging closes out journaling on disconnect or explicit logout: the
// status is forced to Logout (unless already there) and the session row
// is closed.
func (s *Session) endLogging() {
    s.mu.RLock()
    already := s.status == StatusLogout
    s.mu.RUnlock()

    if !already {
        s.changeStatus(StatusLogout)
    }
    s.endSession()
}

// changePhoneStatus updates the phone snapshot, writes it to this
// session's own client, and notifies the registry/group layer via
// OnPhoneStatusChanged, which broadcasts it to the groups.
func (s *Session) changePhoneStatus(status string, outbound bool) {
    s.mu.Lock()
    s.phone = Phone{
        Time:     time.Now(),
        Status:   status,
        Outbound: outbound,
    }
    s.mu.Unlock()

    s.writeFrame(s.selfAgentFrame())

    if s.hooks.OnPhoneStatusChanged != nil {
        s.hooks.OnPhoneStatusChanged(s)
    }
}

func (s *Session) selfAgentFrame() agentElem {
    s.mu.RLock()
    defer s.mu.RUnlock()

    group := ""
    if len(s.groups) > 0 {
        group = s.groups[0]
    }

    pe := phoneElem{
        Status:   s.phone.Status,
        Outbound: boolAttr(s.phone.Outbound),
    }
    if s.phone.Channel != "" {
        if s.phone.Active {
            pe.ActiveChannel = s.phone.Channel
        } else {
            pe.PassiveChannel = s.phone.Channel
        }
    }

    return agentElem{
        Username:  s.username,
        Fullname:  s.fullname,
        Group:     group,
        Handle:    s.handle,
        Abandoned: s.abandoned,
        Time:      s.phone.Time.Format("2006-01-02 15:04:05"),
        Phone:     pe,
    }
}
