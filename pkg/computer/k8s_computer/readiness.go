package k8s_computer

import (
	"context"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/srchd/srchd/pkg/computer"
)

// WaitUntilReady polls the pod until it is Running with its primary
// container ready. Transient read errors don't abort the wait; only the
// deadline does.
func (m *Manager) WaitUntilReady(ctx context.Context, id computer.Identity, timeout time.Duration) error {
	ns := namespaceName(m.cfg.Prefix, id)
	name := podName(m.cfg.Prefix, id)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pod, err := m.client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if err == nil && podReady(pod) {
			return nil
		}
		if err != nil && !apierrors.IsNotFound(err) && !isTransient(err) {
			return &computer.ProvisionError{Kind: "pod", Name: name, Err: err}
		}
		if err != nil {
			slog.Debug("readiness probe failed, retrying",
				slog.String("computer", id.String()),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &computer.TimeoutError{Op: "wait for computer " + id.String() + " readiness", Timeout: timeout}
		case <-ticker.C:
		}
	}
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == containerName {
			return cs.Ready
		}
	}
	return false
}

// WaitUntilGone polls until the pod object is fully removed, so a
// follow-up create never races a terminating pod over the same name.
func (m *Manager) WaitUntilGone(ctx context.Context, id computer.Identity, timeout time.Duration) error {
	ns := namespaceName(m.cfg.Prefix, id)
	name := podName(m.cfg.Prefix, id)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		_, err := m.client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil && !isTransient(err) {
			return &computer.ProvisionError{Kind: "pod", Name: name, Err: err}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &computer.TimeoutError{Op: "wait for computer " + id.String() + " removal", Timeout: timeout}
		case <-ticker.C:
		}
	}
}
