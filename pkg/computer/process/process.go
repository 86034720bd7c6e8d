package process

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/srchd/srchd/pkg/computer/term"
)

// Status of a tracked process. There is no intermediate state: a slot is
// allocated as running and flips to terminated exactly once.
type Status string

const (
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
)

// Process is one tracked command in a computer's registry. Mutated by
// the execution goroutine as output and the exit status arrive.
type Process struct {
	id        int
	command   string
	workdir   string
	env       map[string]string
	createdAt time.Time
	tty       bool
	pidFile   string

	stdout *Buffer
	stderr *Buffer
	screen term.Emulator  // nil unless tty
	stdin  io.WriteCloser // nil unless tty

	closeOnce sync.Once

	mu       sync.Mutex
	status   Status
	exitCode *int
	done     chan struct{}
}

// Info is a point-in-time view of a process, safe to hand to callers
// while the execution goroutine is still writing.
type Info struct {
	ID         int               `json:"id"`
	Status     Status            `json:"status"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"workdir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	TTY        bool              `json:"tty"`
	// Screen is the rendered terminal grid for TTY processes. Display it
	// instead of Stdout when set: raw stdout keeps the control bytes.
	Screen string `json:"screen,omitempty"`
}

func (p *Process) Info() Info {
	p.mu.Lock()
	status := p.status
	var exitCode *int
	if p.exitCode != nil {
		c := *p.exitCode
		exitCode = &c
	}
	p.mu.Unlock()

	info := Info{
		ID:         p.id,
		Status:     status,
		Command:    p.command,
		WorkingDir: p.workdir,
		Env:        p.env,
		CreatedAt:  p.createdAt,
		ExitCode:   exitCode,
		Stdout:     p.stdout.String(),
		Stderr:     p.stderr.String(),
		TTY:        p.tty,
	}
	if p.screen != nil {
		info.Screen = p.screen.Render()
	}
	return info
}

// Done is closed when the process has terminated and its final state is
// recorded.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// finish records the terminal state. A stream error leaves the exit code
// unset and surfaces the failure through stderr; a mapped exit code is
// recorded as-is.
func (p *Process) finish(code int, err error) {
	if err != nil {
		fmt.Fprintf(p.stderr, "exec stream failed: %v\n", err)
	}
	p.closeStdin()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusTerminated {
		return
	}
	p.status = StatusTerminated
	if err == nil {
		p.exitCode = &code
	}
	close(p.done)
}

func (p *Process) closeStdin() {
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
	})
}

func (p *Process) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == StatusRunning
}
