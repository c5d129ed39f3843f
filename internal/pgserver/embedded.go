package pgserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

// EmbeddedConfig holds settings for an embedded PostgreSQL server.
type EmbeddedConfig struct {
	Port        uint32 // default 15432
	DataDir     string // default ~/.testdb/data
	RuntimeDir  string // default ~/.testdb/run
	BinCacheDir string // default ~/.testdb/pg
	PIDFile     string // default ~/.testdb/pg.pid
	User        string // default postgres
	Password    string
	Logger      *slog.Logger
}

// Embedded manages an embedded PostgreSQL child process.
type Embedded struct {
	cfg     EmbeddedConfig
	db      *embeddedpostgres.EmbeddedPostgres
	connURL string
	running bool
	logger  *slog.Logger
	pidFile string
}

const defaultEmbeddedPort = 15432

// NewEmbedded creates an Embedded server. Does not start anything.
func NewEmbedded(cfg EmbeddedConfig) *Embedded {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "postgres"
	}
	return &Embedded{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Start downloads PG binaries (on first run), initializes the data directory,
// starts the PostgreSQL child process, and returns an administrative URL.
func (m *Embedded) Start(ctx context.Context) (string, error) {
	if m.running {
		return m.connURL, nil
	}

	home, err := testdbHome()
	if err != nil {
		return "", fmt.Errorf("resolving testdb home: %w", err)
	}
	cfg := m.cfg.resolve(home)

	for _, dir := range []string{cfg.DataDir, cfg.RuntimeDir, cfg.BinCacheDir, filepath.Dir(cfg.PIDFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// A previous run killed mid-flight can leave postgres running on our port.
	m.pidFile = cfg.PIDFile
	cleanupOrphan(m.pidFile, m.logger)

	if entries, _ := os.ReadDir(cfg.BinCacheDir); len(entries) == 0 {
		m.logger.Info("downloading PostgreSQL binaries (first run only)...")
	}

	m.db = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Port(cfg.Port).
		DataPath(cfg.DataDir).
		RuntimePath(cfg.RuntimeDir).
		CachePath(cfg.BinCacheDir).
		Version(embeddedpostgres.V16).
		Username(m.cfg.User).
		Password(m.cfg.Password).
		Logger(newLogWriter(m.logger)).
		StartTimeout(60 * time.Second))

	if err := m.db.Start(); err != nil {
		return "", fmt.Errorf("starting embedded postgres: %w", err)
	}

	pgPidFile := filepath.Join(cfg.DataDir, "postmaster.pid")
	if pid, err := readPostmasterPID(pgPidFile); err == nil && pid > 0 {
		_ = writePID(m.pidFile, pid)
	}

	m.connURL = embeddedURL(m.cfg.User, m.cfg.Password, cfg.Port)
	m.running = true

	m.logger.Info("embedded postgres started", "port", cfg.Port, "data", cfg.DataDir)
	return m.connURL, nil
}

// Stop gracefully shuts down the embedded PostgreSQL child process.
func (m *Embedded) Stop() error {
	if !m.running || m.db == nil {
		return nil
	}

	m.logger.Info("stopping embedded postgres")
	err := m.db.Stop()
	m.running = false

	_ = removePID(m.pidFile)

	if err != nil {
		return fmt.Errorf("stopping embedded postgres: %w", err)
	}
	m.logger.Info("embedded postgres stopped")
	return nil
}

// resolve fills unset paths and the port with their defaults under home.
func (c EmbeddedConfig) resolve(home string) EmbeddedConfig {
	if c.Port == 0 {
		c.Port = defaultEmbeddedPort
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(home, "data")
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = filepath.Join(home, "run")
	}
	if c.BinCacheDir == "" {
		c.BinCacheDir = filepath.Join(home, "pg")
	}
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(home, "pg.pid")
	}
	return c
}

// FreePort asks the kernel for an unused loopback TCP port.
func FreePort() (uint32, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding a free port: %w", err)
	}
	defer l.Close()
	return uint32(l.Addr().(*net.TCPAddr).Port), nil
}

func embeddedURL(user, password string, port uint32) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))),
		RawQuery: "sslmode=disable",
	}
	if password == "" {
		u.User = url.User(user)
	} else {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}

// testdbHome returns ~/.testdb, creating it if necessary.
func testdbHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting user home directory: %w", err)
	}
	dir := filepath.Join(home, ".testdb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating ~/.testdb: %w", err)
	}
	return dir, nil
}

// --- PID file management ---

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// readPID reads a PID from a file. Returns 0 if the file doesn't exist.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file: %w", err)
	}
	return pid, nil
}

func removePID(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// readPostmasterPID reads the PID from the first line of postmaster.pid.
func readPostmasterPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(data), "\n")
	return strconv.Atoi(strings.TrimSpace(first))
}

// cleanupOrphan checks for a stale PID file and kills the orphaned process.
func cleanupOrphan(pidPath string, logger *slog.Logger) {
	pid, err := readPID(pidPath)
	if err != nil || pid == 0 {
		return
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = removePID(pidPath)
		return
	}

	// Signal 0 only tests existence.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		logger.Info("removed stale PID file", "pid", pid)
		_ = removePID(pidPath)
		return
	}

	logger.Warn("found orphaned postgres process, terminating", "pid", pid)
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			_ = removePID(pidPath)
			logger.Info("orphaned postgres process terminated", "pid", pid)
			return
		}
	}

	logger.Warn("force-killing orphaned postgres", "pid", pid)
	_ = proc.Signal(syscall.SIGKILL)
	_ = removePID(pidPath)
}

// logWriter adapts *slog.Logger to io.Writer for embedded-postgres output.
type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n\r")
	if msg != "" {
		w.logger.Debug("postgres", "output", msg)
	}
	return len(p), nil
}
