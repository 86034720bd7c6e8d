package process

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execRecorder is an ExecFunc capturing invocations, with an optional
// blocking gate so tests can hold a command "running".
type execRecorder struct {
	mu    sync.Mutex
	calls [][]string
	opts  []StreamOptions

	gate chan struct{} // when non-nil, exec blocks until closed
	code int
	err  error

	onExec func(argv []string, opts StreamOptions)
}

func (r *execRecorder) exec(ctx context.Context, argv []string, opts StreamOptions) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	r.opts = append(r.opts, opts)
	gate := r.gate
	onExec := r.onExec
	r.mu.Unlock()

	if onExec != nil {
		onExec(argv, opts)
	}
	if gate != nil {
		<-gate
	}
	return r.code, r.err
}

func (r *execRecorder) lastCall(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.calls)
	return r.calls[len(r.calls)-1]
}

func newTestTable(rec *execRecorder, window time.Duration) *Table {
	tb := NewTable(rec.exec)
	tb.window = window
	return tb
}

func TestSpawnFastCommandReturnsTerminated(t *testing.T) {
	rec := &execRecorder{code: 0, onExec: func(argv []string, opts StreamOptions) {
		fmt.Fprint(opts.Stdout, "done\n")
	}}
	tb := newTestTable(rec, time.Second)

	info, err := tb.Spawn(context.Background(), "echo done", SpawnOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, info.ID)
	assert.Equal(t, StatusTerminated, info.Status)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)
	assert.Equal(t, "done\n", info.Stdout)
}

func TestSpawnWrapsCommandWithPidFile(t *testing.T) {
	rec := &execRecorder{}
	tb := newTestTable(rec, time.Second)

	_, err := tb.Spawn(context.Background(), "sleep 30", SpawnOptions{})
	require.NoError(t, err)

	argv := rec.lastCall(t)
	require.Len(t, argv, 3)
	assert.Equal(t, "/bin/sh", argv[0])
	assert.Equal(t, "-c", argv[1])
	assert.Equal(t, "echo $$ >/tmp/.computer-1.pid; exec /bin/sh -c 'sleep 30'", argv[2])
}

func TestSpawnPromotesSlowCommand(t *testing.T) {
	rec := &execRecorder{gate: make(chan struct{}), code: 7}
	tb := newTestTable(rec, 30*time.Millisecond)

	start := time.Now()
	info, err := tb.Spawn(context.Background(), "sleep 300", SpawnOptions{})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Nil(t, info.ExitCode)

	// The promoted command keeps running and records its state on
	// completion.
	close(rec.gate)
	require.Eventually(t, func() bool {
		got, err := tb.Get(info.ID)
		return err == nil && got.Status == StatusTerminated
	}, time.Second, 5*time.Millisecond)

	got, err := tb.Get(info.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 7, *got.ExitCode)
}

func TestSpawnTimeoutSecondsCapped(t *testing.T) {
	rec := &execRecorder{gate: make(chan struct{})}
	defer close(rec.gate)

	tb := newTestTable(rec, 10*time.Millisecond)
	tb.maxWindow = 20 * time.Millisecond

	start := time.Now()
	info, err := tb.Spawn(context.Background(), "sleep 300", SpawnOptions{TimeoutSeconds: 3600})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusRunning, info.Status)
}

func TestSpawnEmptyCommand(t *testing.T) {
	tb := newTestTable(&execRecorder{}, time.Second)

	_, err := tb.Spawn(context.Background(), "  ", SpawnOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStreamErrorLeavesExitCodeUnset(t *testing.T) {
	rec := &execRecorder{err: fmt.Errorf("connection reset")}
	tb := newTestTable(rec, time.Second)

	info, err := tb.Spawn(context.Background(), "echo hi", SpawnOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusTerminated, info.Status)
	assert.Nil(t, info.ExitCode)
	assert.Contains(t, info.Stderr, "exec stream failed")
}

func TestStdinRejectsNonTTY(t *testing.T) {
	rec := &execRecorder{gate: make(chan struct{})}
	defer close(rec.gate)
	tb := newTestTable(rec, 10*time.Millisecond)

	info, err := tb.Spawn(context.Background(), "cat", SpawnOptions{})
	require.NoError(t, err)

	_, err = tb.Stdin(info.ID, []byte("hello"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "TTY")
}

func TestStdinForwardsToTTY(t *testing.T) {
	echoed := make(chan []byte, 1)
	rec := &execRecorder{gate: make(chan struct{}), onExec: func(argv []string, opts StreamOptions) {
		buf := make([]byte, 64)
		n, _ := opts.Stdin.Read(buf)
		echoed <- buf[:n]
	}}
	defer close(rec.gate)
	tb := newTestTable(rec, 10*time.Millisecond)

	info, err := tb.Spawn(context.Background(), "bash", SpawnOptions{TTY: true})
	require.NoError(t, err)
	assert.True(t, info.TTY)

	_, err = tb.Stdin(info.ID, []byte("ls\n"))
	require.NoError(t, err)

	select {
	case got := <-echoed:
		assert.Equal(t, []byte("ls\n"), got)
	case <-time.After(time.Second):
		t.Fatal("stdin bytes never reached the exec stream")
	}
}

func TestKillSendsSignalThroughSecondExec(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	rec := &execRecorder{gate: gate}
	tb := newTestTable(rec, 10*time.Millisecond)

	info, err := tb.Spawn(context.Background(), "sleep 300", SpawnOptions{})
	require.NoError(t, err)

	// Second ExecFunc invocation must not block on the gate.
	rec.mu.Lock()
	rec.gate = nil
	rec.mu.Unlock()

	require.NoError(t, tb.Kill(context.Background(), info.ID, ""))

	argv := rec.lastCall(t)
	require.Len(t, argv, 3)
	assert.Equal(t, "kill -s TERM $(cat /tmp/.computer-1.pid)", argv[2])
}

func TestKillRejectsMalformedSignal(t *testing.T) {
	rec := &execRecorder{gate: make(chan struct{})}
	defer close(rec.gate)
	tb := newTestTable(rec, 10*time.Millisecond)

	info, err := tb.Spawn(context.Background(), "sleep 300", SpawnOptions{})
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, tb.Kill(context.Background(), info.ID, "KILL; rm -rf /"), &verr)
}

func TestKillUnknownProcess(t *testing.T) {
	tb := newTestTable(&execRecorder{}, time.Second)

	var nf *NotFoundError
	require.ErrorAs(t, tb.Kill(context.Background(), 42, "SIGKILL"), &nf)
	assert.Equal(t, 42, nf.ID)
}

func TestEvictionDropsOldestTerminated(t *testing.T) {
	rec := &execRecorder{}
	tb := newTestTable(rec, time.Second)
	tb.limit = 2

	for i := 0; i < 3; i++ {
		_, err := tb.Spawn(context.Background(), "true", SpawnOptions{})
		require.NoError(t, err)
	}

	infos := tb.List()
	require.Len(t, infos, 2)
	assert.Equal(t, 2, infos[0].ID)
	assert.Equal(t, 3, infos[1].ID)
}

func TestEvictionSparesRunning(t *testing.T) {
	rec := &execRecorder{gate: make(chan struct{})}
	defer close(rec.gate)
	tb := newTestTable(rec, 10*time.Millisecond)
	tb.limit = 1

	for i := 0; i < 3; i++ {
		_, err := tb.Spawn(context.Background(), "sleep 300", SpawnOptions{})
		require.NoError(t, err)
	}

	// All three are still running; none may be evicted even though the
	// table exceeds its bound.
	assert.Len(t, tb.List(), 3)
}

func TestTTYOutputMirroredToScreenAndRawStdout(t *testing.T) {
	rec := &execRecorder{onExec: func(argv []string, opts StreamOptions) {
		fmt.Fprint(opts.Stdout, "\x1b[31mred\x1b[0m text")
	}}
	tb := newTestTable(rec, time.Second)

	info, err := tb.Spawn(context.Background(), "bash", SpawnOptions{TTY: true})
	require.NoError(t, err)

	assert.Contains(t, info.Stdout, "\x1b[31m")
	assert.Equal(t, "red text", info.Screen)
}

var _ io.Writer = (*Buffer)(nil)
