// Package session implements the per-connection client protocol engine:
// the XML-framed handshake, authentication, heartbeat watchdog, and
// action-dispatch state machine described for the desktop agent wire
// protocol.
package session

import (
    "bufio"
    "context"
    "crypto/md5"
    "encoding/base64"
    "encoding/hex"
    "encoding/xml"
    "io"
    "net"
    "strings"
    "sync"
    "time"

    "github.com/riverside-tel/orange-cti/internal/cache"
    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/internal/worker"
    "github.com/riverside-tel/orange-cti/pkg/errors"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// Config carries the per-listener settings that shape a session's wire
// behavior.
type Config struct {
    SingleQuoteHandshake bool
    HeartbeatInterval    time.Duration
}

// Hooks lets the owning registry react to events a session raises, without
// the session package depending on the registry or group packages.
// Every hook is invoked from the session's pinned worker goroutine.
type Hooks struct {
    OnLoggedIn             func(s *Session)
    OnLoggedOut            func(s *Session)
    OnPhoneStatusChanged   func(s *Session)
    OnAskDialAuthorization func(s *Session, destination, customerID, campaign string)
    OnSpyRequested         func(s *Session, targetUsername string)
    OnChangeAgentStatus    func(s *Session, ready, outbound bool, extension, group string)
    OnExtensionChanged     func(s *Session, extension string)
    OnClosed               func(s *Session)
}

// Session is one authenticated (or not-yet-authenticated) agent desktop
// connection. All mutable fields are only ever written from the session's
// pinned worker goroutine; the mutex guards reads performed by other
// workers (group broadcast, supervisor status changes).
type Session struct {
    conn   net.Conn
    dec    *xml.Decoder
    bw     *bufio.Writer
    cfg    Config
    w      *worker.Worker
    store  persistence.Store
    cache  *cache.Cache
    hooks  Hooks

    closeOnce sync.Once

    mu         sync.RWMutex
    state      State
    peerAddr   string
    username   string
    fullname   string
    level      Level
    agentID    uint64
    extension  string
    extenMapID uint64
    groups     []string
    handle     int
    abandoned  int
    phone      Phone
    status     Status

    sessionLogID uint64
    statusLogID  uint64

    heartbeatMu    sync.Mutex
    heartbeatTimer *time.Timer
}

// New constructs a session bound to an accepted socket and pinned to w.
func New(conn net.Conn, w *worker.Worker, store persistence.Store, c *cache.Cache, hooks Hooks, cfg Config) *Session {
    if cfg.HeartbeatInterval == 0 {
        cfg.HeartbeatInterval = 20 * time.Second
    }

    return &Session{
        conn:     conn,
        dec:      xml.NewDecoder(conn),
        bw:       bufio.NewWriter(conn),
        cfg:      cfg,
        w:        w,
        store:    store,
        cache:    c,
        hooks:    hooks,
        peerAddr: peerIP(conn),
        state:    StatePreAuth,
    }
}

func peerIP(conn net.Conn) string {
    host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
    if err != nil {
        return conn.RemoteAddr().String()
    }
    return host
}

// Worker returns the worker this session is pinned to.
func (s *Session) Worker() *worker.Worker { return s.w }

// Enqueue schedules fn to run on this session's pinned worker. Any code
// outside the session's own read loop (group broadcasts, supervisor
// actions) must reach the session only through Enqueue.
func (s *Session) Enqueue(fn func()) { s.w.Enqueue(fn) }

// IPAddress returns the peer's address, stable for the session's lifetime.
func (s *Session) IPAddress() string { return s.peerAddr }

func (s *Session) Username() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.username
}

func (s *Session) Level() Level {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.level
}

func (s *Session) Groups() []string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make([]string, len(s.groups))
    copy(out, s.groups)
    return out
}

func (s *Session) Extension() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.extension
}

func (s *Session) State() State {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.state
}

// SharesGroupWith reports whether s and other have at least one queue in
// common — the group-intersection rule gating supervisor actions.
func (s *Session) SharesGroupWith(other *Session) bool {
    mine := s.Groups()
    theirs := make(map[string]struct{}, len(other.Groups()))
    for _, g := range other.Groups() {
        theirs[g] = struct{}{}
    }
    for _, g := range mine {
        if _, ok := theirs[g]; ok {
            return true
        }
    }
    return false
}

// BindSocket writes the server-initiated handshake, arms the heartbeat
// watchdog, and starts the blocking read loop on its own goroutine. The
// read loop only ever parses frames; all state mutation and writes it
// triggers are marshalled onto the session's pinned worker.
func (s *Session) BindSocket() error {
    if err := s.writeHandshake(); err != nil {
        return err
    }
    s.resetHeartbeat()
    go s.readLoop()
    return nil
}

func (s *Session) writeHandshake() error {
    if s.cfg.SingleQuoteHandshake {
        if _, err := s.bw.WriteString(`<?xml version='1.0' encoding='UTF-8'?>`); err != nil {
            return err
        }
    } else {
        if _, err := s.bw.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`); err != nil {
            return err
        }
    }
    if _, err := s.bw.WriteString("<stream>"); err != nil {
        return err
    }

    if err := s.writeFrame(welcomeElem{Name: "CTI Server v1.0", Note: "Send </stream> to close connection"}); err != nil {
        return err
    }

    return s.writeFrame(authPromptElem{
        ID: "prompt",
        Types: []authTypeElem{
            {ID: "plain", Note: "send authentication using plain text"},
            {ID: "encrypted", Note: "send authentication encrypted"},
        },
    })
}

// writeFrame encodes v as a standalone XML fragment and flushes it with a
// trailing bare newline, the application-level delimiter the peer uses to
// know a fragment is complete.
func (s *Session) writeFrame(v interface{}) error {
    if err := xml.NewEncoder(s.bw).Encode(v); err != nil {
        return err
    }
    if _, err := s.bw.WriteString("\n"); err != nil {
        return err
    }
    return s.bw.Flush()
}

func (s *Session) resetHeartbeat() {
    s.heartbeatMu.Lock()
    defer s.heartbeatMu.Unlock()

    if s.heartbeatTimer != nil {
        s.heartbeatTimer.Stop()
    }
    s.heartbeatTimer = time.AfterFunc(s.cfg.HeartbeatInterval, func() {
        s.Enqueue(s.onHeartbeatExpired)
    })
}

func (s *Session) onHeartbeatExpired() {
    logger.WithField("username", s.Username()).Warn("Session heartbeat timed out")
    s.bw.WriteString("-ERR Timeout\n")
    s.bw.Flush()
    if s.State() == StateAuthenticated && s.hooks.OnLoggedOut != nil {
        s.hooks.OnLoggedOut(s)
    }
    s.closeConn()
}

// ForceLogout writes a force-logout frame with reason and tears the
// session down, matching the original's forceLogout behavior.
func (s *Session) ForceLogout(reason string) {
    s.Enqueue(func() {
        s.writeFrame(authForceLogoutElem{ID: "force-logout", Status: reason})
        s.endLogging()
        s.closeConn()
    })
}

func (s *Session) closeConn() {
    s.closeOnce.Do(func() {
        s.conn.Close()
        s.heartbeatMu.Lock()
        if s.heartbeatTimer != nil {
            s.heartbeatTimer.Stop()
        }
        s.heartbeatMu.Unlock()

        s.mu.Lock()
        s.state = StateClosing
        s.mu.Unlock()

        if s.hooks.OnClosed != nil {
            s.hooks.OnClosed(s)
        }
    })
}

// readLoop blocks on the socket, parsing one XML token at a time, exactly
// the original's StartDocument/StartElement/EndElement dispatch over a
// single continuous stream.
func (s *Session) readLoop() {
    for {
        tok, err := s.dec.Token()
        if err != nil {
            if err != io.EOF {
                logger.WithError(err).WithField("peer_addr", s.peerAddr).Warn("Session read error")
            }
            s.Enqueue(func() {
                wasAuthenticated := s.State() == StateAuthenticated
                s.endLogging()
                if wasAuthenticated && s.hooks.OnLoggedOut != nil {
                    s.hooks.OnLoggedOut(s)
                }
                s.closeConn()
            })
            return
        }

        switch el := tok.(type) {
        case xml.StartElement:
            s.handleStartElement(el)
        case xml.EndElement:
            if el.Name.Local == "stream" {
                s.Enqueue(func() {
                    s.endLogging()
                    if s.hooks.OnLoggedOut != nil {
                        s.hooks.OnLoggedOut(s)
                    }
                    s.closeConn()
                })
                return
            }
        }
    }
}

func attrValue(attrs []xml.Attr, name string) string {
    for _, a := range attrs {
        if a.Name.Local == name {
            return a.Value
        }
    }
    return ""
}

func (s *Session) handleStartElement(el xml.StartElement) {
    switch el.Name.Local {
    case "beat":
        s.skipElement()
        s.Enqueue(s.resetHeartbeat)

    case "authentication":
        encrypted := attrValue(el.Attr, "type") == "encrypted"
        payload := s.readCharData()
        s.Enqueue(func() { s.checkAuthentication(payload, encrypted) })

    case "action":
        actionType := attrValue(el.Attr, "type")
        nested, attrs, ok := s.readNestedStart()
        if ok && nested == actionType {
            attrMap := make(map[string]string, len(attrs))
            for _, a := range attrs {
                attrMap[a.Name.Local] = a.Value
            }
            s.skipElement()
            s.Enqueue(func() { s.dispatchAction(actionType, attrMap) })
        }

    default:
        // Unrecognized or container element (the opening <stream> itself):
        // no-op and let the loop read the next token, rather than skipping
        // past it — skipping here would consume the rest of the stream.
    }
}

// readCharData consumes tokens up to and including the matching end
// element, concatenating any character data encountered.
func (s *Session) readCharData() string {
    var sb strings.Builder
    depth := 1
    for depth > 0 {
        tok, err := s.dec.Token()
        if err != nil {
            return sb.String()
        }
        switch t := tok.(type) {
        case xml.CharData:
            sb.Write(t)
        case xml.StartElement:
            depth++
        case xml.EndElement:
            depth--
        }
    }
    return sb.String()
}

// skipElement consumes tokens until the currently open element closes.
func (s *Session) skipElement() {
    depth := 1
    for depth > 0 {
        tok, err := s.dec.Token()
        if err != nil {
            return
        }
        switch tok.(type) {
        case xml.StartElement:
            depth++
        case xml.EndElement:
            depth--
        }
    }
}

// readNestedStart reads forward to the next StartElement at the current
// depth (used by <action type="X"><X .../></action> to find the inner
// element matching the advertised type) and returns its name and
// attributes, leaving the decoder positioned just after it (self-closing
// elements are expected here, so no further skip is required by the
// caller beyond the outer skipElement).
func (s *Session) readNestedStart() (string, []xml.Attr, bool) {
    for {
        tok, err := s.dec.Token()
        if err != nil {
            return "", nil, false
        }
        switch el := tok.(type) {
        case xml.StartElement:
            return el.Name.Local, el.Attr, true
        case xml.CharData, xml.Comment:
            continue
        default:
            return "", nil, false
        }
    }
}

// CurrentPhone returns the session's current phone snapshot.
func (s *Session) CurrentPhone() Phone {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.phone
}

// Handle and Abandoned report the session's call counters.
func (s *Session) Handle() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.handle
}

func (s *Session) Abandoned() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.abandoned
}

func (s *Session) Fullname() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.fullname
}

// PrimaryGroup returns the first queue name the agent belongs to, used in
// status snapshots the same way the original reports groups.first().
func (s *Session) PrimaryGroup() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if len(s.groups) == 0 {
        return ""
    }
    return s.groups[0]
}

// WriteAgentStatus renders and sends an <agent> snapshot for the given
// identity, exactly as the original's Client::sendAgentStatus — blank
// username/fullname/phone fall back to this session's own current values
// so a session can announce either itself or relay another's snapshot.
func (s *Session) WriteAgentStatus(username, fullname string, handle, abandoned int, phone Phone, group string) error {
    if username == "" {
        username = s.Username()
    }
    if fullname == "" {
        fullname = s.Fullname()
    }
    if handle == 0 {
        handle = s.Handle()
    }
    if abandoned == 0 {
        abandoned = s.Abandoned()
    }
    if phone.Time.IsZero() {
        phone = s.CurrentPhone()
    }

    pe := phoneElem{
        Status:   phone.Status,
        Outbound: boolAttr(phone.Outbound),
        Group:    group,
    }
    if phone.Channel != "" {
        if phone.Active {
            pe.ActiveChannel = phone.Channel
        } else {
            pe.PassiveChannel = phone.Channel
        }
    }
    if phone.DNIS != "" {
        d := &dnisElem{DNIS: phone.DNIS}
        if phone.Active {
            pe.Callee = d
        } else {
            pe.Caller = d
        }
    }

    frame := agentElem{
        Username:  username,
        Fullname:  fullname,
        Group:     group,
        Handle:    handle,
        Abandoned: abandoned,
        Time:      phone.Time.Format("2006-01-02 15:04:05"),
        Phone:     pe,
    }

    return s.writeFrame(frame)
}

// WriteLogoutNotice sends the <agent>...<logout/></agent> frame a group
// broadcasts to higher-level members when a peer logs out.
func (s *Session) WriteLogoutNotice(username, extension, group, address string) error {
    return s.writeFrame(agentLogoutElem{
        Username:  username,
        Extension: extension,
        Group:     group,
        Address:   address,
    })
}

// WriteDialerResponse replies to an ask-dial-authorization request.
func (s *Session) WriteDialerResponse(formattedNumber string) error {
    return s.writeFrame(dialerElem{FormattedNumber: formattedNumber})
}

// ApplyStatusChange forces this session's status and phone snapshot as if
// the agent itself had sent a "ready" action — used by the supervisor
// status-change path once group authorization is confirmed.
func (s *Session) ApplyStatusChange(ready, outbound bool) {
    status := StatusNotReady
    if ready {
        status = StatusReady
    }
    s.changeStatus(status)

    phoneStatus := "not-ready"
    if ready {
        phoneStatus = "ready"
    }
    s.changePhoneStatus(phoneStatus, outbound)
}

func boolAttr(b bool) string {
    if b {
        return "true"
    }
    return "false"
}

func hashPassword(plain string) string {
    sum := md5.Sum([]byte(plain))
    return hex.EncodeToString(sum[:])
}

func decodeAuthPayload(payload string, encrypted bool) (string, error) {
    if !encrypted {
        return payload, nil
    }
    raw, err := base64.StdEncoding.DecodeString(payload)
    if err != nil {
        return "", errors.Wrap(err, errors.ErrProtocol, "decoding base64 authentication payload")
    }
    return string(raw), nil
}

// background returns a short-lived context for the synchronous database
// calls a session's worker goroutine makes. The worker goroutine is not
// otherwise cancellable, so a fixed bound is used rather than propagating
// a caller context that doesn't exist here.
func background() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), 5*time.Second)
}
