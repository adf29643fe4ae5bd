// Package registry implements the TCP acceptor and the address/username/
// extension indices that track every connected client session.
package registry

import (
    "fmt"
    "net"
    "sync"
    "sync/atomic"
    "time"

    "github.com/riverside-tel/orange-cti/internal/cache"
    "github.com/riverside-tel/orange-cti/internal/group"
    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/internal/session"
    "github.com/riverside-tel/orange-cti/internal/worker"
    "github.com/riverside-tel/orange-cti/pkg/errors"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

const reasonDuplicateLogin = "same user login"
const reasonServerStop = "server stop services"

// Config carries the acceptor's listen address and the session protocol
// settings handed to every accepted connection.
type Config struct {
    ListenAddress   string
    Port            int
    ShutdownTimeout time.Duration
    Session         session.Config
}

// Registry owns the TCP accept loop, the worker pool sessions are pinned
// to, and the address/username/extension indices used to route
// supervisor actions and AMI-driven notifications to the right session.
type Registry struct {
    cfg   Config
    pool  *worker.Pool
    store persistence.Store
    cache *cache.Cache
    group *group.Manager

    listener     net.Listener
    connections  sync.WaitGroup
    shutdown     chan struct{}
    shuttingDown atomic.Bool

    mu             sync.RWMutex
    byAddress      map[string]*session.Session
    addressByUser  map[string]string
    userByExtension map[string]string
}

// New builds a registry. The worker pool and group manager are shared
// services the registry wires sessions into on login.
func New(cfg Config, pool *worker.Pool, store persistence.Store, c *cache.Cache, groups *group.Manager) *Registry {
    return &Registry{
        cfg:             cfg,
        pool:            pool,
        store:           store,
        cache:           c,
        group:           groups,
        shutdown:        make(chan struct{}),
        byAddress:       make(map[string]*session.Session),
        addressByUser:   make(map[string]string),
        userByExtension: make(map[string]string),
    }
}

// Start runs the accept loop until Stop is called. Blocks the calling
// goroutine.
func (r *Registry) Start() error {
    addr := fmt.Sprintf("%s:%d", r.cfg.ListenAddress, r.cfg.Port)
    listener, err := net.Listen("tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to start client listener")
    }
    r.listener = listener
    logger.WithField("addr", addr).Info("Client listener started")

    for {
        select {
        case <-r.shutdown:
            return nil
        default:
        }

        if tcpListener, ok := listener.(*net.TCPListener); ok {
            tcpListener.SetDeadline(time.Now().Add(time.Second))
        }

        conn, err := listener.Accept()
        if err != nil {
            if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
                continue
            }
            if r.shuttingDown.Load() {
                return nil
            }
            logger.WithError(err).Warn("Failed to accept client connection")
            continue
        }

        r.connections.Add(1)
        go r.accept(conn)
    }
}

// Stop closes the listener, force-logs-out every connected session, and
// waits up to ShutdownTimeout for every accepted session to close.
func (r *Registry) Stop() error {
    r.shuttingDown.Store(true)
    close(r.shutdown)

    if r.listener != nil {
        r.listener.Close()
    }

    r.mu.RLock()
    sessions := make([]*session.Session, 0, len(r.byAddress))
    for _, s := range r.byAddress {
        sessions = append(sessions, s)
    }
    r.mu.RUnlock()

    for _, s := range sessions {
        s.ForceLogout(reasonServerStop)
    }

    done := make(chan struct{})
    go func() {
        r.connections.Wait()
        close(done)
    }()

    timeout := r.cfg.ShutdownTimeout
    if timeout == 0 {
        timeout = 10 * time.Second
    }

    select {
    case <-done:
        logger.Info("Client listener stopped gracefully")
    case <-time.After(timeout):
        logger.Warn("Client listener shutdown timed out")
    }

    return nil
}

// accept registers a new connection. The connections WaitGroup entry added
// for it by Start is released when the session closes (onClosed), or here
// if the handshake cannot be written.
func (r *Registry) accept(conn net.Conn) {
    w := r.pool.Next()
    s := session.New(conn, w, r.store, r.cache, r.hooksFor(), r.cfg.Session)

    r.mu.Lock()
    r.byAddress[s.IPAddress()] = s
    r.mu.Unlock()

    if err := s.BindSocket(); err != nil {
        logger.WithError(err).WithField("peer_addr", s.IPAddress()).Warn("Failed to bind client socket")
        r.removeByAddress(s.IPAddress())
        r.connections.Done()
    }
}

func (r *Registry) hooksFor() session.Hooks {
    return session.Hooks{
        OnLoggedIn:             r.onLoggedIn,
        OnLoggedOut:            r.onLoggedOut,
        OnPhoneStatusChanged:   r.onPhoneStatusChanged,
        OnAskDialAuthorization: r.onAskDialAuthorization,
        OnSpyRequested:         r.onSpyRequested,
        OnChangeAgentStatus:    r.onChangeAgentStatus,
        OnExtensionChanged:     r.onExtensionChanged,
        OnClosed:               r.onClosed,
    }
}

// onLoggedIn enrolls a newly authenticated session into the registry,
// rejecting a second simultaneous login for the same username.
func (r *Registry) onLoggedIn(s *session.Session) {
    username := s.Username()

    r.mu.Lock()
    if existingAddr, dup := r.addressByUser[username]; dup {
        r.mu.Unlock()
        if existingAddr != s.IPAddress() {
            s.ForceLogout(reasonDuplicateLogin)
        }
        return
    }
    r.addressByUser[username] = s.IPAddress()
    if ext := s.Extension(); ext != "" {
        r.userByExtension[ext] = username
    }
    r.mu.Unlock()

    r.group.Join(s)
}

func (r *Registry) onLoggedOut(s *session.Session) {
    r.group.Leave(s)

    r.mu.Lock()
    delete(r.addressByUser, s.Username())
    if ext := s.Extension(); ext != "" {
        delete(r.userByExtension, ext)
    }
    r.mu.Unlock()
}

func (r *Registry) onPhoneStatusChanged(s *session.Session) {
    r.group.PhoneStatusChanged(s)
}

func (r *Registry) onExtensionChanged(s *session.Session, extension string) {
    r.mu.Lock()
    if s.Username() != "" {
        r.userByExtension[extension] = s.Username()
    }
    r.mu.Unlock()
}

func (r *Registry) onAskDialAuthorization(s *session.Session, destination, customerID, campaign string) {
    // Dial authorization against an external dialer service is outside
    // this domain's persistence surface; acknowledge unconditionally so
    // the desktop client's dial flow is not blocked.
    s.Enqueue(func() {
        if err := s.WriteDialerResponse(destination); err != nil {
            logger.WithError(err).WithField("peer_addr", s.IPAddress()).Warn("Failed to write dialer response")
        }
    })
}

// onSpyRequested checks a supervised-listen request against the same
// group-intersection rule a forced status change uses. It only checks and
// logs: no listen channel is requested from Asterisk, since the registry
// holds no AMI manager, so an authorized request has no further effect.
func (r *Registry) onSpyRequested(s *session.Session, targetUsername string) {
    target := r.sessionByUsername(targetUsername)
    if target == nil {
        return
    }
    if !group.Intersects(s, target) {
        logger.WithField("supervisor", s.Username()).WithField("target", targetUsername).Warn("Spy request rejected: no shared group")
        return
    }
}

// onChangeAgentStatus authorizes and applies a supervisor's forced
// status change on the agent bound to the given extension.
func (r *Registry) onChangeAgentStatus(s *session.Session, ready, outbound bool, extension, grp string) {
    target := r.sessionByExtension(extension)
    if target == nil {
        return
    }
    if !group.Intersects(s, target) {
        logger.WithField("supervisor", s.Username()).WithField("extension", extension).Warn("Status change rejected: no shared group")
        return
    }
    target.Enqueue(func() {
        target.ApplyStatusChange(ready, outbound)
    })
}

func (r *Registry) onClosed(s *session.Session) {
    r.removeByAddress(s.IPAddress())
    r.connections.Done()
}

func (r *Registry) removeByAddress(addr string) {
    r.mu.Lock()
    delete(r.byAddress, addr)
    r.mu.Unlock()
}

func (r *Registry) sessionByUsername(username string) *session.Session {
    r.mu.RLock()
    addr, ok := r.addressByUser[username]
    r.mu.RUnlock()
    if !ok {
        return nil
    }
    return r.sessionByAddress(addr)
}

func (r *Registry) sessionByExtension(extension string) *session.Session {
    r.mu.RLock()
    username, ok := r.userByExtension[extension]
    r.mu.RUnlock()
    if !ok {
        return nil
    }
    return r.sessionByUsername(username)
}

func (r *Registry) sessionByAddress(addr string) *session.Session {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.byAddress[addr]
}

// Sessions returns a snapshot of every currently connected session. The
// operator CLI's `sessions list` does not use it; it reads the database.
func (r *Registry) Sessions() []*session.Session {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make([]*session.Session, 0, len(r.byAddress))
    for _, s := range r.byAddress {
        out = append(out, s)
    }
    return out
}

// ConnectionCount returns the number of currently connected sessions.
func (r *Registry) ConnectionCount() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.byAddress)
}
