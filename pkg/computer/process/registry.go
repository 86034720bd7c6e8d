// Package process tracks commands spawned inside one computer. The table
// is the only record of background jobs; a management-process restart
// forgets all of it, which is a documented limitation of the system.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/srchd/srchd/pkg/computer/term"
)

const (
	// DefaultWindow is how long Spawn waits for a command before
	// promoting it to a background job.
	DefaultWindow = 10 * time.Second

	// MaxWindow caps the promotion window when the caller supplies an
	// explicit timeout.
	MaxWindow = 60 * time.Second

	// DefaultLimit bounds the registry; terminated entries are evicted
	// FIFO beyond it.
	DefaultLimit = 32
)

// StreamOptions carries the I/O plumbing for one exec stream.
type StreamOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	TTY    bool

	// Timeout bounds the stream locally. On expiry the stream keeps
	// draining in the background; the remote command is NOT killed.
	Timeout time.Duration
}

// ExecFunc runs argv inside the computer this table belongs to and
// returns the mapped exit code. A non-nil error means the stream failed,
// not that the command exited non-zero.
type ExecFunc func(ctx context.Context, argv []string, opts StreamOptions) (int, error)

// SpawnOptions configures one spawned command.
type SpawnOptions struct {
	WorkingDir string
	Env        map[string]string
	TTY        bool
	Cols       int // TTY grid width, default 80
	Rows       int // TTY grid height, default 24

	// TimeoutSeconds overrides the promotion window, capped at MaxWindow.
	TimeoutSeconds int
}

// Table is the per-computer process registry. It is a shared mutable
// table keyed by process id; concurrent Spawn/Kill against the same
// computer are not serialized beyond the map lock.
type Table struct {
	exec      ExecFunc
	limit     int
	window    time.Duration
	maxWindow time.Duration

	mu     sync.Mutex
	nextID int
	procs  []*Process
}

// NewTable creates a registry whose processes execute through exec.
func NewTable(exec ExecFunc) *Table {
	return &Table{
		exec:      exec,
		limit:     DefaultLimit,
		window:    DefaultWindow,
		maxWindow: MaxWindow,
	}
}

// Spawn allocates a slot, starts the command asynchronously, and returns
// as soon as the command finishes or the promotion window elapses. A
// promoted command keeps running; its continuation writes the final
// state into the registry when it completes.
func (t *Table) Spawn(ctx context.Context, command string, o SpawnOptions) (Info, error) {
	if strings.TrimSpace(command) == "" {
		return Info{}, &ValidationError{Msg: "command is required"}
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	p := &Process{
		id:        id,
		command:   command,
		workdir:   o.WorkingDir,
		env:       o.Env,
		createdAt: time.Now(),
		tty:       o.TTY,
		pidFile:   fmt.Sprintf("/tmp/.computer-%d.pid", id),
		stdout:    NewBuffer(),
		stderr:    NewBuffer(),
		status:    StatusRunning,
		done:      make(chan struct{}),
	}
	var stdin io.Reader
	if o.TTY {
		p.screen = term.New(o.Cols, o.Rows)
		pr, pw := io.Pipe()
		p.stdin = pw
		stdin = pr
	}
	t.procs = append(t.procs, p)
	t.evictLocked()
	t.mu.Unlock()

	argv := []string{"/bin/sh", "-c", spawnScript(command, o.WorkingDir, o.Env, p.pidFile)}
	stdout := io.Writer(p.stdout)
	stderr := io.Writer(p.stderr)
	if p.screen != nil {
		stdout = io.MultiWriter(p.stdout, p.screen)
		stderr = io.MultiWriter(p.stderr, p.screen)
	}

	// Detached from the caller's context: losing the promotion race must
	// never cancel the command.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		code, err := t.exec(execCtx, argv, StreamOptions{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
			TTY:    o.TTY,
		})
		p.finish(code, err)
	}()

	window := t.window
	if o.TimeoutSeconds > 0 {
		w := time.Duration(o.TimeoutSeconds) * time.Second
		if w > t.maxWindow {
			w = t.maxWindow
		}
		window = w
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		slog.Info("process promoted to background",
			slog.Int("process_id", id),
			slog.String("command", command),
			slog.Duration("window", window))
	}
	return p.Info(), nil
}

// List returns the tracked processes, oldest first, bounded to the
// registry limit.
func (t *Table) List() []Info {
	t.mu.Lock()
	procs := make([]*Process, len(t.procs))
	copy(procs, t.procs)
	t.mu.Unlock()

	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Info())
	}
	return infos
}

// Get returns the live view of one process, including partial output.
func (t *Table) Get(id int) (Info, error) {
	p, err := t.find(id)
	if err != nil {
		return Info{}, err
	}
	return p.Info(), nil
}

// Stdin forwards bytes to a TTY process's input. Against a non-TTY
// process it closes the input stream and fails validation instead.
func (t *Table) Stdin(id int, data []byte) (Info, error) {
	p, err := t.find(id)
	if err != nil {
		return Info{}, err
	}
	if !p.tty {
		p.closeStdin()
		return Info{}, &ValidationError{Msg: fmt.Sprintf("process %d was not started with a TTY; its input has been closed", id)}
	}
	if !p.running() {
		return Info{}, &ValidationError{Msg: fmt.Sprintf("process %d has terminated", id)}
	}
	if _, err := p.stdin.Write(data); err != nil {
		return Info{}, fmt.Errorf("write stdin to process %d: %w", id, err)
	}
	return p.Info(), nil
}

var signalRe = regexp.MustCompile(`^(SIG)?[A-Z][A-Z0-9]*$`)

// Kill forwards a named signal to the remote process via a second exec
// against the pid recorded at spawn time.
func (t *Table) Kill(ctx context.Context, id int, signal string) error {
	p, err := t.find(id)
	if err != nil {
		return err
	}
	if signal == "" {
		signal = "SIGTERM"
	}
	if !signalRe.MatchString(signal) {
		return &ValidationError{Msg: fmt.Sprintf("invalid signal name %q", signal)}
	}
	name := strings.TrimPrefix(signal, "SIG")

	script := fmt.Sprintf("kill -s %s $(cat %s)", name, ShellQuote(p.pidFile))
	code, err := t.exec(ctx, []string{"/bin/sh", "-c", script}, StreamOptions{
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	if err != nil {
		return fmt.Errorf("signal process %d: %w", id, err)
	}
	if code != 0 {
		return fmt.Errorf("signal process %d with %s: kill exited %d", id, signal, code)
	}
	return nil
}

func (t *Table) find(id int) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.id == id {
			return p, nil
		}
	}
	return nil, &NotFoundError{ID: id}
}

// evictLocked drops terminated entries oldest-first until the table fits
// the limit. Running entries are never evicted, so the table may briefly
// exceed the bound while more than limit processes are in flight.
func (t *Table) evictLocked() {
	for len(t.procs) > t.limit {
		evicted := false
		for i, p := range t.procs {
			if !p.running() {
				t.procs = append(t.procs[:i], t.procs[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
