// Package conn owns the single live connection to the monitored server.
// Probes never dial; they go through the Manager, which serializes access,
// detects disconnects and performs the bounded reconnect dance.
package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// ErrConnectionLost is returned once the reconnect budget is exhausted. The
// caller (collector/agent) decides what losing the session means; the
// manager never terminates the process.
var ErrConnectionLost = errors.New("connection lost after exhausting reconnect attempts")

// ErrNotConnected is returned for queries issued before Connect succeeds.
var ErrNotConnected = errors.New("not connected")

// Executor is the query surface handed to probes.
type Executor interface {
	// Execute runs one query and returns all rows as name->value maps with
	// []byte columns decoded to strings.
	Execute(ctx context.Context, query string) ([]map[string]string, error)

	// ExecuteRow runs one query and returns the first row, or an empty map
	// when the result set is empty.
	ExecuteRow(ctx context.Context, query string) (map[string]string, error)
}

// rawConn is the minimal connection surface the manager drives. The real
// implementation wraps database/sql; tests substitute fakes.
type rawConn interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, query string) ([]map[string]string, error)
	Close() error
}

// Manager owns one connection and its lifecycle. All query execution is
// serialized through an internal mutex: one logical connection is never
// shared by concurrent in-flight queries.
type Manager struct {
	cfg *config.Config

	mu              sync.Mutex
	conn            rawConn
	connected       bool
	identity        model.SourceIdentity
	hasIdentity     bool
	identityChanged bool

	maxRetries int
	retryDelay time.Duration

	// dial is injectable for tests.
	dial func(ctx context.Context) (rawConn, error)
}

// NewManager creates a manager for the configured target. No I/O happens
// until Connect.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:        cfg,
		maxRetries: 3,
		retryDelay: 2 * time.Second,
	}
	m.dial = func(ctx context.Context) (rawConn, error) {
		return dialSQL(ctx, cfg)
	}
	return m
}

// Connect establishes the connection and reads the source identity. The
// first successful identity read pins the session.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	c, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", m.cfg.Server.Host, err)
	}

	identity, err := readIdentity(ctx, c, m.cfg)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to read server identity: %w", err)
	}

	if m.hasIdentity && !m.identity.Equal(identity) {
		// A reconnect landed on a different server build (failover, DNS
		// change). The session identity stays pinned; the data stream is
		// not silently stitched across servers.
		logger.Warning("Server identity changed after reconnect: %s %s (%s) -> %s %s (%s)",
			m.identity.Addr(), m.identity.Version, m.identity.Kind,
			identity.Addr(), identity.Version, identity.Kind)
		m.identityChanged = true
	}
	if !m.hasIdentity {
		m.identity = identity
		m.hasIdentity = true
	}

	m.conn = c
	m.connected = true
	return nil
}

// Identity returns the pinned source identity. Valid after Connect.
func (m *Manager) Identity() model.SourceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// IdentityChanged reports whether a reconnect landed on a different server
// build since the last call. The flag clears on read.
func (m *Manager) IdentityChanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.identityChanged
	m.identityChanged = false
	return changed
}

// IsAlive pings the server.
func (m *Manager) IsAlive(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.conn == nil {
		return false
	}
	return m.conn.Ping(ctx) == nil
}

// Execute implements Executor. On a failed query the manager transitions to
// disconnected and runs the bounded reconnect; the query itself is not
// retried (its cycle already degraded), but a successful reconnect leaves
// the manager ready for the next cycle.
func (m *Manager) Execute(ctx context.Context, query string) ([]map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.conn == nil {
		return nil, ErrNotConnected
	}

	rows, err := m.conn.Query(ctx, tagQuery(query))
	if err == nil {
		return rows, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	logger.Warning("Query failed, attempting reconnect: %v", err)
	m.connected = false

	if rerr := m.reconnectLocked(ctx); rerr != nil {
		return nil, rerr
	}
	return nil, fmt.Errorf("query failed: %w", err)
}

// ExecuteRow implements Executor.
func (m *Manager) ExecuteRow(ctx context.Context, query string) (map[string]string, error) {
	rows, err := m.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]string{}, nil
	}
	return rows[0], nil
}

// reconnectLocked attempts to re-establish the connection with a fixed
// attempt budget and delay. Each invocation gets a fresh budget, so a drop
// that follows an earlier successful reconnect starts from attempt one.
// Cancellation of ctx aborts mid-retry.
func (m *Manager) reconnectLocked(ctx context.Context) error {
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay):
			}
		}

		logger.Info("Reconnect attempt %d/%d to %s", attempt, m.maxRetries, m.identity.Addr())
		if err := m.connectLocked(ctx); err != nil {
			logger.Warning("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		logger.Info("Reconnected to %s on attempt %d", m.identity.Addr(), attempt)
		return nil
	}

	return ErrConnectionLost
}

// Close releases the connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected = false
}

// tagQuery prefixes queries so the agent's own traffic is identifiable in
// the server's processlist.
func tagQuery(query string) string {
	return "/* dbpulse */ " + query
}

// readIdentity queries version information and classifies the server.
func readIdentity(ctx context.Context, c rawConn, cfg *config.Config) (model.SourceIdentity, error) {
	identity := model.SourceIdentity{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Kind: model.ServerKind(cfg.Server.Kind),
	}

	versionQuery := queries.ServerVersion
	if identity.Kind == model.ServerProxySQL {
		versionQuery = queries.ProxySQLVersion
	}

	rows, err := c.Query(ctx, tagQuery(versionQuery))
	if err != nil {
		return identity, err
	}
	if len(rows) == 0 {
		return identity, fmt.Errorf("version query returned no rows")
	}

	identity.Version = rows[0]["version"]
	identity.Distro = rows[0]["version_comment"]

	if identity.Kind != model.ServerProxySQL && strings.Contains(strings.ToLower(identity.Version), "mariadb") {
		identity.Kind = model.ServerMariaDB
	}

	return identity, nil
}

// sqlConn adapts database/sql to rawConn.
type sqlConn struct {
	db *sql.DB
}

func dialSQL(ctx context.Context, cfg *config.Config) (rawConn, error) {
	dsnCfg := mysql.NewConfig()
	dsnCfg.User = cfg.Server.User
	dsnCfg.Passwd = cfg.Server.Pass
	if cfg.Server.Socket != "" {
		dsnCfg.Net = "unix"
		dsnCfg.Addr = cfg.Server.Socket
	} else {
		dsnCfg.Net = "tcp"
		dsnCfg.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	dsnCfg.Timeout = 10 * time.Second
	dsnCfg.ReadTimeout = 30 * time.Second
	dsnCfg.InterpolateParams = true

	if cfg.Server.TLSEnabled {
		tlsCfg := &tls.Config{ServerName: cfg.Server.Host}
		if cfg.Server.CAPath != "" {
			pem, err := os.ReadFile(cfg.Server.CAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", cfg.Server.CAPath)
			}
			tlsCfg.RootCAs = pool
		}
		if err := mysql.RegisterTLSConfig("dbpulse", tlsCfg); err != nil {
			return nil, fmt.Errorf("failed to register TLS config: %w", err)
		}
		dsnCfg.TLSConfig = "dbpulse"
	}

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	// One logical connection; the pool must not fan out behind our back.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return &sqlConn{db: db}, nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(pingCtx)
}

func (c *sqlConn) Query(ctx context.Context, query string) ([]map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]string
	values := make([]sql.RawBytes, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		row := make(map[string]string, len(cols))
		for i, col := range cols {
			if values[i] == nil {
				continue
			}
			row[col] = string(values[i])
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}
