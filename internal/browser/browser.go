// Package browser manages the debuggee browser process: launching it with
// remote debugging enabled, attaching to an already-running instance,
// probing its inspection endpoint, and tearing it down.
//
// A Manager enforces the single-active-session invariant: only one debuggee
// may be under management at a time, and a second Start or Attach fails with
// a SESSION_ACTIVE error until Close releases the slot.
package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tdewey/webdbg/internal/config"
	"github.com/tdewey/webdbg/internal/errors"
)

// Endpoint identifies the inspection endpoint of a connected debuggee page.
type Endpoint struct {
	Port      int
	PageWSURL string // websocket debugger URL of the active page target
	PageURL   string
}

// target mirrors one entry of the browser's /json/list response.
type target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Browser is a managed debuggee process. For attached sessions cmd is nil
// and Close leaves the process running.
type Browser struct {
	cmd        *exec.Cmd
	profileDir string
	port       int

	cleanupDelay time.Duration
	log          *slog.Logger
	closeOnce    sync.Once
	closeErr     error
}

// Manager owns the single-session slot and the current Browser.
type Manager struct {
	cfg *config.Config
	log *slog.Logger

	mu      sync.Mutex
	current *Browser
}

// NewManager creates a Manager around the given configuration.
func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log.With("component", "browser")}
}

// acquire reserves the session slot, failing synchronously when occupied.
func (m *Manager) acquire(b *Browser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return errors.SessionActive()
	}
	m.current = b
	return nil
}

func (m *Manager) release(b *Browser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == b {
		m.current = nil
	}
}

// Start launches the browser with remote debugging enabled, opening one tab
// per URL, and waits for the process to report its debug endpoint. The
// handshake is bounded by the configured connect timeout.
func (m *Manager) Start(ctx context.Context, urls []string, port int) (*Endpoint, error) {
	b := &Browser{cleanupDelay: m.cfg.ProfileCleanupDelay, log: m.log}
	if err := m.acquire(b); err != nil {
		return nil, err
	}

	if port == 0 {
		p, err := findAvailablePort()
		if err != nil {
			m.release(b)
			return nil, errors.LaunchFailed(err)
		}
		port = p
	}
	b.port = port

	profileDir, err := os.MkdirTemp("", "webdbg-profile-")
	if err != nil {
		m.release(b)
		return nil, errors.LaunchFailed(err)
	}
	b.profileDir = profileDir

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-extensions",
		"--disable-popup-blocking",
		"--disable-sync",
		"--disable-default-apps",
		"--disable-background-timer-throttling",
	}
	if m.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, urls...)

	exe := m.cfg.ResolveBrowser()
	//nolint:gosec // G204: launching the debuggee browser is the point
	cmd := exec.CommandContext(ctx, exe, args...)
	setProcAttr(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.release(b)
		_ = os.RemoveAll(profileDir)
		return nil, errors.LaunchFailed(err)
	}

	if err := cmd.Start(); err != nil {
		m.release(b)
		_ = os.RemoveAll(profileDir)
		return nil, errors.LaunchFailed(err)
	}
	b.cmd = cmd

	m.log.Info("browser launched", "exe", exe, "port", port, "profile", profileDir)

	if err := awaitDebugEndpoint(ctx, stderr, m.cfg.ConnectTimeout); err != nil {
		_ = b.Close()
		m.release(b)
		return nil, err
	}

	ep, err := connect(ctx, port)
	if err != nil {
		_ = b.Close()
		m.release(b)
		return nil, err
	}
	return ep, nil
}

// Attach connects to an already-running browser on the given debug port.
// The process is not owned: Close will release the slot but leave it
// running.
func (m *Manager) Attach(ctx context.Context, port int) (*Endpoint, error) {
	b := &Browser{port: port, cleanupDelay: m.cfg.ProfileCleanupDelay, log: m.log}
	if err := m.acquire(b); err != nil {
		return nil, err
	}

	ep, err := connect(ctx, port)
	if err != nil {
		m.release(b)
		return nil, err
	}
	return ep, nil
}

// Close terminates the current debuggee (if launched by Start) and releases
// the session slot. Idempotent; cleanup failures of the temporary profile
// are swallowed.
func (m *Manager) Close() error {
	m.mu.Lock()
	b := m.current
	m.current = nil
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	return b.Close()
}

// Active reports whether a session currently occupies the slot.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Close kills the browser process, waits for it to exit, and deletes the
// temporary profile directory after a short delay. The delay matters: the
// browser may respawn a helper that touches the profile right after the
// main process dies. Idempotent.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if b.cmd != nil && b.cmd.Process != nil {
			if err := killProcessGroup(b.cmd.Process.Pid, b.cmd); err != nil {
				b.log.Warn("failed to kill browser process", "pid", b.cmd.Process.Pid, "err", err)
				b.closeErr = err
			}
			_ = b.cmd.Wait()
		}

		if b.profileDir != "" {
			time.Sleep(b.cleanupDelay)
			if err := os.RemoveAll(b.profileDir); err != nil {
				// Non-critical: the directory lives in system temp storage.
				b.log.Warn("failed to remove profile dir", "dir", b.profileDir, "err", err)
			}
		}
	})
	return b.closeErr
}

// awaitDebugEndpoint scans the browser's diagnostic output for the line
// announcing the debug websocket, bounded by timeout.
func awaitDebugEndpoint(ctx context.Context, stderr io.Reader, timeout time.Duration) error {
	found := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "DevTools listening on") {
				close(found)
				return
			}
		}
	}()

	select {
	case <-found:
		return nil
	case <-time.After(timeout):
		return errors.LaunchTimeout(int(timeout.Seconds()))
	case <-ctx.Done():
		return errors.LaunchFailed(ctx.Err())
	}
}

// connect performs the single liveness probe both Start and Attach funnel
// into: list the open targets and pick the first page.
func connect(ctx context.Context, port int) (*Endpoint, error) {
	listURL := fmt.Sprintf("http://127.0.0.1:%d/json/list", port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, errors.ConnectFailed(listURL, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.ConnectFailed(listURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.ConnectFailed(listURL, fmt.Errorf("status %d", resp.StatusCode))
	}

	var targets []target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, errors.ConnectFailed(listURL, err)
	}

	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return &Endpoint{Port: port, PageWSURL: t.WebSocketDebuggerURL, PageURL: t.URL}, nil
		}
	}
	return nil, errors.ConnectFailed(listURL, fmt.Errorf("no debuggable page target"))
}

// findAvailablePort finds a free TCP port by binding to port 0.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", listener.Addr())
	}
	return addr.Port, nil
}
