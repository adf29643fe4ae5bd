package persistence

import (
    "context"
    "database/sql"
    "fmt"
    "sync"
    "time"

    _ "github.com/go-sql-driver/mysql"

    "github.com/riverside-tel/orange-cti/pkg/errors"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// Config describes a MySQL connection.
type Config struct {
    Host            string
    Port            int
    Username        string
    Password        string
    Database        string
    Charset         string
    MaxOpenConns    int
    MaxIdleConns    int
    ConnMaxLifetime time.Duration
    RetryAttempts   int
    RetryDelay      time.Duration
}

// MySQLStore implements Store against a MySQL schema modeled on the
// acd_agent / acd_agent_exten_map / acd_agent_skill / acd_skill /
// acd_agent_group / acd_queue / acd_log_agent_session / acd_log_agent_status
// tables.
type MySQLStore struct {
    db     *sql.DB
    mu     sync.RWMutex
    health bool
}

// Open connects to MySQL, retrying up to cfg.RetryAttempts times with
// linear backoff, and starts a background health checker.
func Open(cfg Config) (*MySQLStore, error) {
    charset := cfg.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, charset)

    var db *sql.DB
    var err error

    for i := 0; i <= cfg.RetryAttempts; i++ {
        db, err = sql.Open("mysql", dsn)
        if err == nil {
            err = db.Ping()
            if err == nil {
                break
            }
        }

        if i < cfg.RetryAttempts {
            logger.WithField("attempt", i+1).WithError(err).Warn("Database connection failed, retrying")
            time.Sleep(cfg.RetryDelay * time.Duration(i+1))
        }
    }

    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to database")
    }

    db.SetMaxOpenConns(cfg.MaxOpenConns)
    db.SetMaxIdleConns(cfg.MaxIdleConns)
    db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

    store := &MySQLStore{db: db, health: true}
    go store.healthCheck()

    logger.Info("Database connection established")
    return store, nil
}

func (s *MySQLStore) healthCheck() {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()

    for range ticker.C {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        err := s.db.PingContext(ctx)
        cancel()

        s.mu.Lock()
        wasHealthy := s.health
        s.health = err == nil
        s.mu.Unlock()

        if wasHealthy != s.health {
            if s.health {
                logger.Info("Database connection recovered")
            } else {
                logger.WithError(err).Error("Database connection lost")
            }
        }
    }
}

// IsHealthy reports the result of the most recent background ping.
func (s *MySQLStore) IsHealthy() bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.health
}

// DB exposes the underlying connection pool for schema migration and for
// the operator CLI's read-only queries.
func (s *MySQLStore) DB() *sql.DB {
    return s.db
}

func (s *MySQLStore) FindAgentByCredentials(ctx context.Context, username, passwordHash string) (*Agent, error) {
    row := s.db.QueryRowContext(ctx,
        `SELECT acd_agent_id, name, password, fullname, level
         FROM acd_agent
         WHERE name = ? AND password = ?`,
        username, passwordHash)

    var a Agent
    if err := row.Scan(&a.AgentID, &a.Username, &a.PasswordHash, &a.FullName, &a.Level); err != nil {
        if err == sql.ErrNoRows {
            return nil, nil
        }
        return nil, errors.Wrap(err, errors.ErrDatabase, "querying agent credentials")
    }

    return &a, nil
}

func (s *MySQLStore) FindExtensionByAddress(ctx context.Context, ipAddress string) (*Extension, error) {
    row := s.db.QueryRowContext(ctx,
        `SELECT acd_agent_exten_map_id, extension
         FROM acd_agent_exten_map
         WHERE ip_address = ?`,
        ipAddress)

    var e Extension
    if err := row.Scan(&e.MapID, &e.Extension); err != nil {
        if err == sql.ErrNoRows {
            return nil, nil
        }
        return nil, errors.Wrap(err, errors.ErrDatabase, "querying extension mapping")
    }

    return &e, nil
}

func (s *MySQLStore) ListSkills(ctx context.Context, agentID uint64) ([]Skill, error) {
    rows, err := s.db.QueryContext(ctx,
        `SELECT acd_s.acd_skill_id, acd_s.name
         FROM acd_agent_skill acd_as
         LEFT JOIN acd_skill acd_s ON acd_as.acd_skill_id = acd_s.acd_skill_id
         WHERE acd_as.acd_agent_id = ?`,
        agentID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "querying agent skills")
    }
    defer rows.Close()

    var skills []Skill
    for rows.Next() {
        var sk Skill
        if err := rows.Scan(&sk.ID, &sk.Name); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "scanning agent skill")
        }
        skills = append(skills, sk)
    }
    return skills, rows.Err()
}

func (s *MySQLStore) ListGroups(ctx context.Context, agentID uint64) ([]string, error) {
    rows, err := s.db.QueryContext(ctx,
        `SELECT acd_q.name
         FROM acd_agent_group acd_ag
         LEFT JOIN acd_queue acd_q ON acd_ag.acd_queue_id = acd_q.acd_queue_id
         WHERE acd_ag.acd_agent_id = ?`,
        agentID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "querying agent groups")
    }
    defer rows.Close()

    var groups []string
    for rows.Next() {
        var name string
        if err := rows.Scan(&name); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "scanning agent group")
        }
        groups = append(groups, name)
    }
    return groups, rows.Err()
}

func (s *MySQLStore) OpenSession(ctx context.Context, agentID, extenMapID uint64, loginTime time.Time) (uint64, error) {
    result, err := s.db.ExecContext(ctx,
        `INSERT INTO acd_log_agent_session (acd_agent_id, acd_agent_exten_map_id, login_time)
         VALUES (?, ?, ?)`,
        agentID, extenMapID, loginTime)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "inserting session log")
    }

    id, err := result.LastInsertId()
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "reading session log id")
    }
    return uint64(id), nil
}

func (s *MySQLStore) CloseSession(ctx context.Context, sessionID uint64, logoutTime time.Time) error {
    if sessionID == 0 {
        return nil
    }

    _, err := s.db.ExecContext(ctx,
        `UPDATE acd_log_agent_session SET logout_time = ? WHERE acd_log_agent_session_id = ?`,
        logoutTime, sessionID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "updating session log")
    }
    return nil
}

func (s *MySQLStore) OpenStatus(ctx context.Context, sessionID uint64, status int, start time.Time) (uint64, error) {
    result, err := s.db.ExecContext(ctx,
        `INSERT INTO acd_log_agent_status (acd_log_agent_session_id, acd_agent_status_id, start)
         VALUES (?, ?, ?)`,
        sessionID, status, start)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "inserting status log")
    }

    id, err := result.LastInsertId()
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrDatabase, "reading status log id")
    }
    return uint64(id), nil
}

func (s *MySQLStore) CloseStatus(ctx context.Context, statusID uint64, finish time.Time) error {
    if statusID == 0 {
        return nil
    }

    _, err := s.db.ExecContext(ctx,
        `UPDATE acd_log_agent_status SET finish = ? WHERE acd_log_agent_status_id = ?`,
        finish, statusID)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "updating status log")
    }
    return nil
}

func (s *MySQLStore) Close() error {
    return s.db.Close()
}
