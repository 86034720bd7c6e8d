package k8s_computer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/srchd/srchd/pkg/computer"
)

func sandboxPod(phase corev1.PodPhase, ready bool) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "srchd-exp1-agent-a",
			Namespace: "srchd-exp1",
			Labels:    labelsFor(provID),
		},
		Status: corev1.PodStatus{
			Phase: phase,
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: containerName, Ready: ready},
			},
		},
	}
}

func TestWaitUntilReadySucceeds(t *testing.T) {
	m, _ := newTestManager(t, sandboxPod(corev1.PodRunning, true))

	err := m.WaitUntilReady(context.Background(), provID, time.Second)
	assert.NoError(t, err)
}

func TestWaitUntilReadyTimesOutOnPendingPod(t *testing.T) {
	m, _ := newTestManager(t, sandboxPod(corev1.PodPending, false))

	err := m.WaitUntilReady(context.Background(), provID, 30*time.Millisecond)
	assert.True(t, computer.IsTimeout(err))
}

func TestWaitUntilReadyRequiresContainerReady(t *testing.T) {
	m, _ := newTestManager(t, sandboxPod(corev1.PodRunning, false))

	err := m.WaitUntilReady(context.Background(), provID, 30*time.Millisecond)
	assert.True(t, computer.IsTimeout(err))
}

func TestWaitUntilReadyBecomesReady(t *testing.T) {
	m, client := newTestManager(t, sandboxPod(corev1.PodPending, false))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = client.CoreV1().Pods("srchd-exp1").UpdateStatus(context.Background(), sandboxPod(corev1.PodRunning, true), metav1.UpdateOptions{})
	}()

	err := m.WaitUntilReady(context.Background(), provID, time.Second)
	assert.NoError(t, err)
}

func TestWaitUntilGone(t *testing.T) {
	m, client := newTestManager(t, sandboxPod(corev1.PodRunning, true))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = client.CoreV1().Pods("srchd-exp1").Delete(context.Background(), "srchd-exp1-agent-a", metav1.DeleteOptions{})
	}()

	err := m.WaitUntilGone(context.Background(), provID, time.Second)
	assert.NoError(t, err)
}

func TestWaitUntilGoneAbsentPod(t *testing.T) {
	m, _ := newTestManager(t)

	assert.NoError(t, m.WaitUntilGone(context.Background(), provID, time.Second))
}

func TestWaitUntilGoneTimesOut(t *testing.T) {
	m, _ := newTestManager(t, sandboxPod(corev1.PodRunning, true))

	err := m.WaitUntilGone(context.Background(), provID, 30*time.Millisecond)
	require.True(t, computer.IsTimeout(err))
}
