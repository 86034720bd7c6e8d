package k8s_computer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/srchd/srchd/pkg/computer"
	"github.com/srchd/srchd/pkg/computer/process"
)

// streamFunc runs one established exec stream to completion.
type streamFunc func(ctx context.Context) error

// Exec runs argv in the computer's primary container over a single
// multiplexed stream and maps the outcome to an exit code.
//
// The timeout is strictly local: on expiry the stream is left draining
// into the caller's sinks and the remote command keeps running. Only an
// explicit kill or terminate changes remote state.
func (m *Manager) Exec(ctx context.Context, id computer.Identity, argv []string, opts process.StreamOptions) (int, error) {
	execID := uuid.NewString()[:8]

	stream, err := m.newStream(id, argv, opts)
	if err != nil {
		return 0, &computer.TransportError{ID: id, Err: err}
	}

	slog.Debug("exec stream opening",
		slog.String("exec_id", execID),
		slog.String("computer", id.String()),
		slog.Bool("tty", opts.TTY))

	done := make(chan error, 1)
	go func() {
		done <- stream(context.WithoutCancel(ctx))
	}()

	var expired <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		expired = timer.C
	}
	var ctxBudget time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		ctxBudget = time.Until(deadline)
	}

	select {
	case streamErr := <-done:
		return mapExit(id, execID, streamErr)
	case <-expired:
		slog.Warn("exec deadline elapsed, remote command may still be running",
			slog.String("exec_id", execID),
			slog.String("computer", id.String()))
		return 0, &computer.TimeoutError{Op: "exec in computer " + id.String(), Timeout: opts.Timeout}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, &computer.TimeoutError{Op: "exec in computer " + id.String(), Timeout: ctxBudget}
		}
		// Caller cancellation passes through untyped; like the timeout
		// path, the stream keeps draining and no remote kill is sent.
		return 0, ctx.Err()
	}
}

// spdyStream builds the exec subresource request and SPDY executor for
// one invocation. Split out so tests can substitute the whole transport.
func (m *Manager) spdyStream(id computer.Identity, argv []string, opts process.StreamOptions) (streamFunc, error) {
	req := m.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespaceName(m.cfg.Prefix, id)).
		Name(podName(m.cfg.Prefix, id)).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   argv,
			Stdin:     opts.Stdin != nil,
			Stdout:    true,
			Stderr:    !opts.TTY,
			TTY:       opts.TTY,
		}, scheme.ParameterCodec)

	exec, err := m.newExecutor(m.restCfg, http.MethodPost, req.URL())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:  opts.Stdin,
			Stdout: opts.Stdout,
			Stderr: opts.Stderr,
			Tty:    opts.TTY,
		})
	}, nil
}

// exitStatusError is the shape the remote command runtime uses to report
// a nonzero exit through the stream's terminal status frame.
type exitStatusError interface {
	error
	ExitStatus() int
}

// mapExit normalizes a completed stream: nil means exit 0, an exit
// status frame carries the real code, transport-level failures surface
// as TransportError, and any other command failure defaults to 1.
func mapExit(id computer.Identity, execID string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr exitStatusError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		if code <= 0 {
			code = 1
		}
		return code, nil
	}

	if isTransportFailure(err) {
		return 0, &computer.TransportError{ID: id, Err: err}
	}

	slog.Debug("exec failed without exit detail",
		slog.String("exec_id", execID),
		slog.String("computer", id.String()),
		slog.String("error", err.Error()))
	return 1, nil
}

func isTransportFailure(err error) bool {
	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
