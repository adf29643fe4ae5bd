// Package ami is a client for the Asterisk Manager Interface: it owns the
// single TCP connection to Asterisk, multiplexes unsolicited events to
// registered handlers, and correlates action/response pairs by ActionID.
package ami

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/riverside-tel/orange-cti/pkg/errors"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// Config describes how to reach and authenticate against Asterisk.
type Config struct {
    Host              string
    Port              int
    Username          string
    Secret            string
    ReconnectInterval time.Duration
    ActionTimeout     time.Duration
    EventBufferSize   int
}

// Event is a single unsolicited Asterisk Manager event.
type Event map[string]string

// Name returns the event's "Event" header.
func (e Event) Name() string { return e["Event"] }

// EventHandler is invoked for every event whose name matches the handler's
// registration, on the manager's single event-reading goroutine. Handlers
// must not block.
type EventHandler func(Event)

// Manager owns the AMI connection and the pending-action / event-handler
// bookkeeping around it.
type Manager struct {
    cfg Config

    mu        sync.RWMutex
    conn      net.Conn
    reader    *bufio.Reader
    connected bool
    loggedIn  bool

    eventChan chan Event

    handlersMu sync.RWMutex
    handlers   map[string][]EventHandler

    pendingMu sync.Mutex
    pending   map[string]chan Event

    shutdown chan struct{}
    wg       sync.WaitGroup

    metricsMu      sync.Mutex
    actionsSent    uint64
    eventsReceived uint64
    reconnectCount uint64
}

// New returns a Manager with defaults filled in for any zero-valued field.
func New(cfg Config) *Manager {
    if cfg.Port == 0 {
        cfg.Port = 5038
    }
    if cfg.ReconnectInterval == 0 {
        cfg.ReconnectInterval = 15 * time.Second
    }
    if cfg.ActionTimeout == 0 {
        cfg.ActionTimeout = 10 * time.Second
    }
    if cfg.EventBufferSize == 0 {
        cfg.EventBufferSize = 1000
    }

    return &Manager{
        cfg:       cfg,
        eventChan: make(chan Event, cfg.EventBufferSize),
        handlers:  make(map[string][]EventHandler),
        pending:   make(map[string]chan Event),
        shutdown:  make(chan struct{}),
    }
}

// Connect dials Asterisk, reads the greeting banner, logs in, and starts
// the background event reader. If this first attempt fails, the error is
// returned and the event reader retries the connection every
// ReconnectInterval until it succeeds or Close is called.
func (m *Manager) Connect(ctx context.Context) error {
    err := m.dialAndLogin(ctx)

    m.wg.Add(1)
    go m.eventReader()

    return err
}

func (m *Manager) dialAndLogin(ctx context.Context) error {
    addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

    dialer := net.Dialer{Timeout: 5 * time.Second}
    conn, err := dialer.DialContext(ctx, "tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrAMIDisconnected, "dialing asterisk manager")
    }

    reader := bufio.NewReader(conn)
    banner, err := reader.ReadString('\n')
    if err != nil {
        conn.Close()
        return errors.Wrap(err, errors.ErrAMIDisconnected, "reading asterisk manager banner")
    }
    if !strings.Contains(banner, "Asterisk Call Manager") {
        conn.Close()
        return errors.New(errors.ErrAMIRejected, "unexpected greeting from asterisk manager: "+strings.TrimSpace(banner))
    }

    m.mu.Lock()
    m.conn = conn
    m.reader = reader
    m.connected = true
    m.mu.Unlock()

    logger.WithField("addr", addr).Info("Connected to Asterisk Manager")

    // The event reader is not running during login, so the Login response
    // is read here directly rather than through the pending-action table.
    login := fmt.Sprintf("Action: Login\r\nActionID: %s\r\nUsername: %s\r\nSecret: %s\r\n\r\n",
        uuid.NewString(), m.cfg.Username, m.cfg.Secret)
    if _, err := conn.Write([]byte(login)); err != nil {
        m.disconnect()
        return errors.Wrap(err, errors.ErrAMIDisconnected, "writing login to asterisk manager")
    }
    conn.SetReadDeadline(time.Now().Add(m.cfg.ActionTimeout))
    var resp Event
    for resp["Response"] == "" && err == nil {
        resp, err = m.readFrame()
    }
    conn.SetReadDeadline(time.Time{})
    if err != nil {
        m.disconnect()
        return errors.Wrap(err, errors.ErrAMIDisconnected, "reading asterisk manager login response")
    }
    if resp["Response"] != "Success" {
        m.disconnect()
        return errors.New(errors.ErrAMIRejected, "asterisk manager login rejected: "+resp["Message"])
    }

    m.mu.Lock()
    m.loggedIn = true
    m.mu.Unlock()

    logger.Info("Asterisk Manager login succeeded")
    return nil
}

// Close stops the manager and closes the underlying connection.
func (m *Manager) Close() error {
    close(m.shutdown)

    m.mu.Lock()
    conn := m.conn
    m.connected = false
    m.loggedIn = false
    m.mu.Unlock()

    if conn != nil {
        conn.Close()
    }

    done := make(chan struct{})
    go func() {
        m.wg.Wait()
        close(done)
    }()

    select {
    case <-done:
    case <-time.After(5 * time.Second):
        logger.Warn("Asterisk Manager shutdown timed out waiting for background goroutines")
    }

    return nil
}

func (m *Manager) disconnect() {
    m.mu.Lock()
    conn := m.conn
    m.connected = false
    m.loggedIn = false
    m.mu.Unlock()

    if conn != nil {
        conn.Close()
    }

    m.failPending()
}

func (m *Manager) failPending() {
    m.pendingMu.Lock()
    defer m.pendingMu.Unlock()

    for id, ch := range m.pending {
        close(ch)
        delete(m.pending, id)
    }
}

// IsConnected reports whether the TCP connection is currently up.
func (m *Manager) IsConnected() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.connected
}

// IsLoggedIn reports whether the AMI login handshake has completed.
func (m *Manager) IsLoggedIn() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.loggedIn
}

// RegisterEventHandler registers fn to be invoked for every event named
// name ("*" matches every event).
func (m *Manager) RegisterEventHandler(name string, fn EventHandler) {
    m.handlersMu.Lock()
    defer m.handlersMu.Unlock()
    m.handlers[name] = append(m.handlers[name], fn)
}

// insertNotEmpty mirrors the original manager's header-omission rule: an
// empty string is left out entirely rather than sent as an empty header.
func insertNotEmpty(headers map[string]string, key, value string) {
    if value != "" {
        headers[key] = value
    }
}

// insertNotEmptyUint applies the same omission rule to a zero unsigned
// value.
func insertNotEmptyUint(headers map[string]string, key string, value uint64) {
    if value != 0 {
        headers[key] = strconv.FormatUint(value, 10)
    }
}

// SendAction sends an action frame and blocks until a matching response
// arrives, the configured timeout elapses, or ctx is cancelled.
func (m *Manager) SendAction(ctx context.Context, action string, fields map[string]string) (Event, error) {
    return m.sendActionMulti(ctx, action, fields, nil)
}

// sendActionMulti additionally supports repeated headers (used for
// Originate's "Variable" headers).
func (m *Manager) sendActionMulti(ctx context.Context, action string, fields map[string]string, repeated []string) (Event, error) {
    m.mu.RLock()
    conn := m.conn
    connected := m.connected
    m.mu.RUnlock()

    if !connected || conn == nil {
        return nil, errors.New(errors.ErrAMIDisconnected, "asterisk manager not connected")
    }

    actionID := uuid.NewString()

    respChan := make(chan Event, 1)
    m.pendingMu.Lock()
    m.pending[actionID] = respChan
    m.pendingMu.Unlock()

    defer func() {
        m.pendingMu.Lock()
        delete(m.pending, actionID)
        m.pendingMu.Unlock()
    }()

    var b strings.Builder
    fmt.Fprintf(&b, "Action: %s\r\n", action)
    fmt.Fprintf(&b, "ActionID: %s\r\n", actionID)
    for k, v := range fields {
        fmt.Fprintf(&b, "%s: %s\r\n", k, v)
    }
    for _, line := range repeated {
        fmt.Fprintf(&b, "Variable: %s\r\n", line)
    }
    b.WriteString("\r\n")

    if _, err := conn.Write([]byte(b.String())); err != nil {
        return nil, errors.Wrap(err, errors.ErrAMIDisconnected, "writing action to asterisk manager")
    }

    m.metricsMu.Lock()
    m.actionsSent++
    m.metricsMu.Unlock()

    select {
    case resp, ok := <-respChan:
        if !ok {
            return nil, errors.New(errors.ErrAMIDisconnected, "asterisk manager connection lost while waiting for response")
        }
        return resp, nil
    case <-time.After(m.cfg.ActionTimeout):
        return nil, errors.New(errors.ErrAMITimeout, "timed out waiting for asterisk manager response to "+action)
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

func (m *Manager) eventReader() {
    defer m.wg.Done()

    for {
        select {
        case <-m.shutdown:
            return
        default:
        }

        event, err := m.readFrame()
        if err != nil {
            select {
            case <-m.shutdown:
                return
            default:
            }

            logger.WithError(err).Warn("Asterisk Manager connection lost, reconnecting")
            m.disconnect()
            m.reconnectLoop()
            continue
        }

        m.metricsMu.Lock()
        m.eventsReceived++
        m.metricsMu.Unlock()

        if _, isResponse := event["Response"]; isResponse {
            m.pendingMu.Lock()
            ch, found := m.pending[event["ActionID"]]
            m.pendingMu.Unlock()

            if found {
                delete(event, "ActionID")
                ch <- event
                continue
            }
        }

        if name, ok := event["Event"]; ok {
            m.dispatchEvent(name, event)
        } else {
            logger.WithField("action_id", event["ActionID"]).Warn("Discarding unmatched Asterisk Manager frame")
        }
    }
}

// readFrame reads one `Header: Value\r\n` block terminated by a blank
// line, matching the original's line-oriented framing.
func (m *Manager) readFrame() (Event, error) {
    m.mu.RLock()
    reader := m.reader
    m.mu.RUnlock()

    if reader == nil {
        return nil, errors.New(errors.ErrAMIDisconnected, "no active asterisk manager connection")
    }

    event := make(Event)
    for {
        line, err := reader.ReadString('\n')
        if err != nil {
            return nil, err
        }

        line = strings.TrimRight(line, "\r\n")
        if line == "" {
            if len(event) == 0 {
                continue
            }
            return event, nil
        }

        idx := strings.Index(line, ":")
        if idx < 0 {
            continue
        }

        key := strings.TrimSpace(line[:idx])
        value := strings.TrimSpace(line[idx+1:])
        event[key] = value
    }
}

func (m *Manager) dispatchEvent(name string, event Event) {
    m.handlersMu.RLock()
    handlers := append(append([]EventHandler{}, m.handlers[name]...), m.handlers["*"]...)
    m.handlersMu.RUnlock()

    for _, h := range handlers {
        h(event)
    }

    select {
    case m.eventChan <- event:
    default:
        logger.Warn("Asterisk Manager event channel full, dropping event")
    }
}

func (m *Manager) reconnectLoop() {
    ctx := context.Background()
    for {
        select {
        case <-m.shutdown:
            return
        case <-time.After(m.cfg.ReconnectInterval):
        }

        m.metricsMu.Lock()
        m.reconnectCount++
        m.metricsMu.Unlock()

        if err := m.dialAndLogin(ctx); err != nil {
            logger.WithError(err).Warn("Asterisk Manager reconnect attempt failed")
            continue
        }

        logger.Info("Asterisk Manager reconnected")
        return
    }
}

// Events returns the channel on which every received event is broadcast,
// in addition to whatever named handlers were registered for it.
func (m *Manager) Events() <-chan Event {
    return m.eventChan
}

// Originate starts a call leg on channel, optionally extending into a
// dialplan destination or application, with repeated Variable headers.
func (m *Manager) Originate(ctx context.Context, channel string, exten, dialContext string, priority uint, application, data string, timeout uint, callerID string, variables map[string]string, account string, earlyMedia, async bool) (Event, error) {
    fields := map[string]string{
        "Channel":    channel,
        "EarlyMedia": boolField(earlyMedia),
        "Async":      boolField(async),
    }
    insertNotEmptyUint(fields, "Timeout", uint64(timeout))
    insertNotEmpty(fields, "CallerID", callerID)
    insertNotEmpty(fields, "Account", account)

    if exten != "" && dialContext != "" && priority > 0 {
        fields["Exten"] = exten
        fields["Context"] = dialContext
        fields["Priority"] = strconv.FormatUint(uint64(priority), 10)
    }

    if application != "" {
        fields["Application"] = application
        insertNotEmpty(fields, "Data", data)
    }

    var repeated []string
    for k, v := range variables {
        repeated = append(repeated, fmt.Sprintf("%s=%s", k, v))
    }

    return m.sendActionMulti(ctx, "Originate", fields, repeated)
}

// PlayDTMF plays a single DTMF digit on channel.
func (m *Manager) PlayDTMF(ctx context.Context, channel string, digit rune) (Event, error) {
    return m.SendAction(ctx, "PlayDTMF", map[string]string{
        "Channel": channel,
        "Digit":   string(digit),
    })
}

// Hangup terminates channel, optionally with a specific hangup cause.
func (m *Manager) Hangup(ctx context.Context, channel string, cause uint) (Event, error) {
    fields := map[string]string{"Channel": channel}
    insertNotEmptyUint(fields, "Cause", uint64(cause))
    return m.SendAction(ctx, "Hangup", fields)
}

// Redirect moves channel (and optionally a bridged extraChannel) to a new
// dialplan destination.
func (m *Manager) Redirect(ctx context.Context, channel, exten, dialContext string, priority uint, extraChannel, extraExten, extraContext string, extraPriority uint) (Event, error) {
    fields := map[string]string{
        "Channel":  channel,
        "Exten":    exten,
        "Context":  dialContext,
        "Priority": strconv.FormatUint(uint64(priority), 10),
    }
    insertNotEmpty(fields, "ExtraChannel", extraChannel)
    insertNotEmpty(fields, "ExtraExten", extraExten)
    insertNotEmpty(fields, "ExtraContext", extraContext)
    insertNotEmptyUint(fields, "ExtraPriority", uint64(extraPriority))

    return m.SendAction(ctx, "Redirect", fields)
}

// CoreShowChannels requests the current channel list. Asterisk answers
// with a burst of CoreShowChannel events followed by
// CoreShowChannelsComplete; this collects that burst into a slice.
func (m *Manager) CoreShowChannels(ctx context.Context) ([]Event, error) {
    return m.collectEvents(ctx, "CoreShowChannels", nil, "CoreShowChannel", "CoreShowChannelsComplete")
}

// SIPPeers requests the current SIP peer list, collecting the PeerEntry
// burst it produces.
func (m *Manager) SIPPeers(ctx context.Context) ([]Event, error) {
    return m.collectEvents(ctx, "SIPpeers", nil, "PeerEntry", "PeerlistComplete")
}

func (m *Manager) collectEvents(ctx context.Context, action string, fields map[string]string, itemEvent, completeEvent string) ([]Event, error) {
    var items []Event
    var mu sync.Mutex
    done := make(chan struct{})
    var once sync.Once

    handler := func(e Event) {
        mu.Lock()
        defer mu.Unlock()
        if e.Name() == completeEvent {
            once.Do(func() { close(done) })
            return
        }
        if e.Name() == itemEvent {
            items = append(items, e)
        }
    }

    m.RegisterEventHandler(itemEvent, handler)
    m.RegisterEventHandler(completeEvent, handler)

    if _, err := m.SendAction(ctx, action, fields); err != nil {
        return nil, err
    }

    select {
    case <-done:
    case <-time.After(m.cfg.ActionTimeout):
    case <-ctx.Done():
        return nil, ctx.Err()
    }

    mu.Lock()
    defer mu.Unlock()
    return items, nil
}

func boolField(b bool) string {
    if b {
        return "true"
    }
    return "false"
}

// Stats reports lightweight operational counters for health/metrics use.
type Stats struct {
    ActionsSent    uint64
    EventsReceived uint64
    ReconnectCount uint64
}

// GetStats returns a snapshot of the manager's operational counters.
func (m *Manager) GetStats() Stats {
    m.metricsMu.Lock()
    defer m.metricsMu.Unlock()
    return Stats{
        ActionsSent:    m.actionsSent,
        EventsReceived: m.eventsReceived,
        ReconnectCount: m.reconnectCount,
    }
}
