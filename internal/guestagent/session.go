package guestagent

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// outputBufferLimit bounds how much unread PTY output a session buffers
// before the oldest bytes are dropped; a well-behaved client drains output
// via ShellPoll far faster than this fills.
const outputBufferLimit = 1 << 20 // 1 MiB

// ptySession owns one interactive shell: the PTY master, the child
// process, and a ring buffer of output not yet delivered to the host.
// Per spec §5, the session is "behind its own mutex" because the master
// FD is single-writer/single-reader from the session's perspective.
type ptySession struct {
	mu sync.Mutex

	id     string
	cmd    *exec.Cmd
	master *os.File

	output   []byte
	exitCode *int
	done     chan struct{}
}

func spawnSession(command string, args []string, rows, cols uint16, env map[string]string) (*ptySession, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = buildShellEnv(env)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("spawn pty: %w", err)
	}

	s := &ptySession{
		id:     uuid.NewString(),
		cmd:    cmd,
		master: master,
		done:   make(chan struct{}),
	}

	go s.pump()
	go s.reap()

	return s, nil
}

// buildShellEnv injects the default interactive-shell environment
// (TERM/HOME/PATH) unless the caller already specified them, per spec
// §4.2's Shell request contract.
func buildShellEnv(env map[string]string) []string {
	defaults := map[string]string{
		"TERM": "xterm-256color",
		"HOME": "/root",
		"PATH": "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin",
	}
	merged := map[string]string{}
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// pump continuously reads PTY output into the session's buffer until the
// master closes (child exited or was killed).
func (s *ptySession) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.output = append(s.output, buf[:n]...)
			if len(s.output) > outputBufferLimit {
				s.output = s.output[len(s.output)-outputBufferLimit:]
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *ptySession) reap() {
	err := s.cmd.Wait()
	code := exitCodeOf(err)
	s.mu.Lock()
	s.exitCode = &code
	s.mu.Unlock()
	close(s.done)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func (s *ptySession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.master.Write(data)
	return err
}

// drainOutput returns and clears any buffered PTY output not yet
// delivered to the host, implementing the pull-based readback SPEC_FULL.md
// documents in place of the teacher's dedicated per-session data port.
func (s *ptySession) drainOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.output
	s.output = nil
	return out
}

func (s *ptySession) resize(rows, cols uint16) error {
	return pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *ptySession) isRunning() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// close terminates the session: SIGTERM, a 100ms grace period, then
// SIGKILL, matching spec §3's PtySession drop semantics exactly. Returns
// the exit code if the child had already exited, else -1.
func (s *ptySession) close() *int {
	if s.isRunning() {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.done:
		case <-time.After(100 * time.Millisecond):
			_ = s.cmd.Process.Kill()
			<-s.done
		}
	}
	_ = s.master.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode != nil {
		code := *s.exitCode
		return &code
	}
	neg := -1
	return &neg
}

// SessionManager owns the map of live PTY sessions. The map itself is
// behind a single mutex taken only for insert/remove/lookup, per spec §5;
// each session's own mutex guards its master-FD I/O.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*ptySession
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: map[string]*ptySession{}}
}

func (m *SessionManager) Create(command string, args []string, rows, cols uint16, env map[string]string) (string, error) {
	s, err := spawnSession(command, args, rows, cols, env)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s.id, nil
}

func (m *SessionManager) get(id string) (*ptySession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) WriteInput(id string, data []byte) error {
	s, ok := m.get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return s.write(data)
}

func (m *SessionManager) Resize(id string, rows, cols uint16) error {
	s, ok := m.get(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return s.resize(rows, cols)
}

func (m *SessionManager) Poll(id string) ([]byte, error) {
	s, ok := m.get(id)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s.drainOutput(), nil
}

// Close terminates and forgets the session, returning its exit code (or
// -1 if it had to be killed while still running).
func (m *SessionManager) Close(id string) (int, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("session not found: %s", id)
	}
	code := s.close()
	return *code, nil
}
