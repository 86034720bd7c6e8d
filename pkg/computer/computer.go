// Package computer provisions ephemeral, isolated compute sandboxes on a
// container orchestration platform and runs commands inside them on
// behalf of agents. The engine is injected so tests can substitute a
// fake backend; there is no ambient global client.
package computer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srchd/srchd/pkg/computer/process"
)

const (
	// PhaseRunning is the healthy pod phase.
	PhaseRunning = "Running"

	// StatusNotFound is the status string for an absent computer.
	StatusNotFound = "NotFound"

	// DefaultReadyTimeout bounds the readiness wait after provisioning.
	DefaultReadyTimeout = 120 * time.Second

	// defaultGoneTimeout bounds the removal wait during termination.
	defaultGoneTimeout = 60 * time.Second
)

// Engine is the orchestration backend: resource provisioning, pod
// probes, teardown, and the exec stream. Implemented by k8s_computer.
type Engine interface {
	// Provision idempotently ensures every backing resource of the
	// computer exists (namespace, RBAC, volume claim, pod).
	Provision(ctx context.Context, id Identity, profile *Profile) error
	// WaitUntilReady polls until the pod is running and ready.
	WaitUntilReady(ctx context.Context, id Identity, timeout time.Duration) error
	// PodPhase probes the pod, returning its phase or a NotFoundError.
	PodPhase(ctx context.Context, id Identity) (string, error)
	// DeletePod deletes the pod; NotFoundError when already absent.
	DeletePod(ctx context.Context, id Identity) error
	// WaitUntilGone polls until the pod is removed.
	WaitUntilGone(ctx context.Context, id Identity, timeout time.Duration) error
	// DeleteVolume deletes the backing volume claim; NotFoundError when
	// already absent.
	DeleteVolume(ctx context.Context, id Identity) error
	// List discovers the computers of one workspace by label selector.
	List(ctx context.Context, workspace string) ([]Identity, error)
	// Exec runs argv in the computer's primary container over one
	// multiplexed stream and returns the mapped exit code.
	Exec(ctx context.Context, id Identity, argv []string, opts process.StreamOptions) (int, error)
}

// Options tunes the manager.
type Options struct {
	// ReadyTimeout bounds the readiness wait in Create; zero means
	// DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

// Manager is the façade over the engine. Handles are cheap: a computer
// is reconstructed on demand from its identity plus an existence probe,
// and several handles may validly describe the same remote sandbox.
type Manager struct {
	engine       Engine
	readyTimeout time.Duration
	tracer       trace.Tracer

	mu     sync.Mutex
	tables map[string]*process.Table
}

// NewManager wires the façade to an engine.
func NewManager(engine Engine, opts Options) *Manager {
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Manager{
		engine:       engine,
		readyTimeout: readyTimeout,
		tracer:       otel.Tracer("srchd/computer"),
		tables:       make(map[string]*process.Table),
	}
}

// Create drives absent -> running: provisions namespace, RBAC, volume
// and pod, then waits for readiness.
func (m *Manager) Create(ctx context.Context, id Identity, profile *Profile) (*Computer, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "computer.create", trace.WithAttributes(
		attribute.String("computer.workspace", id.Workspace),
		attribute.String("computer.id", id.Computer),
	))
	defer span.End()

	if err := m.engine.Provision(ctx, id, profile); err != nil {
		return nil, err
	}
	if err := m.engine.WaitUntilReady(ctx, id, m.readyTimeout); err != nil {
		return nil, err
	}
	slog.Info("computer created", slog.String("computer", id.String()))
	return m.handle(id), nil
}

// FindByID is a side-effect-free existence probe. It never provisions;
// an absent computer yields a NotFoundError.
func (m *Manager) FindByID(ctx context.Context, id Identity) (*Computer, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.engine.PodPhase(ctx, id); err != nil {
		return nil, err
	}
	return m.handle(id), nil
}

// Ensure returns a healthy computer, creating or repairing as needed: an
// existing-but-not-running computer is terminated and recreated, so
// "stale" collapses into the same path as "absent".
func (m *Manager) Ensure(ctx context.Context, id Identity, profile *Profile) (*Computer, error) {
	ctx, span := m.tracer.Start(ctx, "computer.ensure")
	defer span.End()

	c, err := m.FindByID(ctx, id)
	if IsNotFound(err) {
		return m.Create(ctx, id, profile)
	}
	if err != nil {
		return nil, err
	}

	phase, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if phase == PhaseRunning {
		return c, nil
	}

	slog.Warn("computer unhealthy, recreating",
		slog.String("computer", id.String()),
		slog.String("phase", phase))
	if _, err := c.Terminate(ctx, false); err != nil {
		return nil, fmt.Errorf("terminate unhealthy computer %s: %w", id, err)
	}
	return m.Create(ctx, id, profile)
}

// List discovers the computers of one workspace.
func (m *Manager) List(ctx context.Context, workspace string) ([]Identity, error) {
	return m.engine.List(ctx, workspace)
}

// handle returns the computer handle, reusing the process table already
// tracked for this identity.
func (m *Manager) handle(id Identity) *Computer {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[id.String()]
	if !ok {
		table = process.NewTable(func(ctx context.Context, argv []string, opts process.StreamOptions) (int, error) {
			return m.engine.Exec(ctx, id, argv, opts)
		})
		m.tables[id.String()] = table
	}
	return &Computer{
		id:     id,
		engine: m.engine,
		procs:  table,
		tracer: m.tracer,
		drop:   func() { m.dropTable(id) },
	}
}

// dropTable forgets the process table of one identity. Called on
// termination: the processes died with the pod, and a recreated
// computer must not inherit them.
func (m *Manager) dropTable(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, id.String())
}

// Computer is a handle over one provisioned sandbox. It holds no remote
// state of its own; the backing pod and volume persist independently
// until explicitly terminated.
type Computer struct {
	id     Identity
	engine Engine
	procs  *process.Table
	tracer trace.Tracer
	drop   func()
}

func (c *Computer) ID() Identity { return c.id }

// ExecOptions configures one synchronous execution.
type ExecOptions struct {
	// TimeoutMillis bounds the call locally. On expiry Execute returns a
	// TimeoutError while the remote command may still be running: the
	// timeout never kills the remote side.
	TimeoutMillis int
	Stdin         string
	WorkingDir    string
	Env           map[string]string
}

// ExecResult is the normalized outcome of a completed execution.
type ExecResult struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	DurationMilli int64  `json:"duration_ms"`
}

// Execute runs a shell command synchronously in the computer's primary
// container and captures its output.
func (c *Computer) Execute(ctx context.Context, command string, opts ExecOptions) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &ValidationError{Msg: "command is required"}
	}
	ctx, span := c.tracer.Start(ctx, "computer.execute", trace.WithAttributes(
		attribute.String("computer.id", c.id.Computer),
	))
	defer span.End()

	stdout := process.NewBuffer()
	stderr := process.NewBuffer()
	streamOpts := process.StreamOptions{
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: time.Duration(opts.TimeoutMillis) * time.Millisecond,
	}
	if opts.Stdin != "" {
		streamOpts.Stdin = strings.NewReader(opts.Stdin)
	}
	argv := []string{"/bin/sh", "-c", process.Script(command, opts.WorkingDir, opts.Env)}

	start := time.Now()
	code, err := c.engine.Exec(ctx, c.id, argv, streamOpts)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExitCode:      code,
		DurationMilli: time.Since(start).Milliseconds(),
	}, nil
}

// Spawn starts a command through the process registry, auto-backgrounding
// it once the promotion window elapses.
func (c *Computer) Spawn(ctx context.Context, command string, opts process.SpawnOptions) (process.Info, error) {
	return c.procs.Spawn(ctx, command, opts)
}

// Ps lists the tracked processes of this computer.
func (c *Computer) Ps() []process.Info {
	return c.procs.List()
}

// Stdout returns the live view of one process, including partial output.
func (c *Computer) Stdout(id int) (process.Info, error) {
	return c.procs.Get(id)
}

// Stdin forwards bytes to a TTY process's input.
func (c *Computer) Stdin(id int, data []byte) (process.Info, error) {
	return c.procs.Stdin(id, data)
}

// Kill forwards a named signal (default SIGTERM) to a tracked process.
func (c *Computer) Kill(ctx context.Context, id int, signal string) error {
	return c.procs.Kill(ctx, id, signal)
}

// Status probes the backing pod: its phase, or "NotFound".
func (c *Computer) Status(ctx context.Context) (string, error) {
	phase, err := c.engine.PodPhase(ctx, c.id)
	if IsNotFound(err) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return phase, nil
}

// TerminateOutcome reports the independent results of a teardown. Pod
// deletion and storage deletion are separate failure domains.
type TerminateOutcome struct {
	PodDeleted    bool
	AlreadyAbsent bool
	VolumeDeleted bool
	VolumeError   error
}

// Terminate deletes the backing pod, tolerating "already gone", and
// waits for its removal. Volumes are deleted only when asked; a storage
// failure after a successful pod deletion surfaces as a
// PartialFailureError alongside the outcome, never silently.
func (c *Computer) Terminate(ctx context.Context, deleteVolumes bool) (*TerminateOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "computer.terminate")
	defer span.End()

	outcome := &TerminateOutcome{}
	err := c.engine.DeletePod(ctx, c.id)
	switch {
	case IsNotFound(err):
		outcome.AlreadyAbsent = true
	case err != nil:
		return outcome, fmt.Errorf("delete pod for computer %s: %w", c.id, err)
	default:
		if err := c.engine.WaitUntilGone(ctx, c.id, defaultGoneTimeout); err != nil {
			return outcome, err
		}
		outcome.PodDeleted = true
	}
	if c.drop != nil {
		c.drop()
	}
	slog.Info("computer terminated",
		slog.String("computer", c.id.String()),
		slog.Bool("already_absent", outcome.AlreadyAbsent))

	if !deleteVolumes {
		return outcome, nil
	}
	verr := c.engine.DeleteVolume(ctx, c.id)
	switch {
	case IsNotFound(verr), verr == nil:
		outcome.VolumeDeleted = true
		return outcome, nil
	default:
		outcome.VolumeError = verr
		return outcome, &PartialFailureError{
			Msg: fmt.Sprintf("pod for computer %s removed but volume deletion failed", c.id),
			Err: verr,
		}
	}
}
