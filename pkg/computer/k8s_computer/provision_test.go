package k8s_computer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/srchd/srchd/pkg/computer"
)

var provID = computer.Identity{Workspace: "exp1", Computer: "agent-a"}

func newTestManager(t *testing.T, objects ...runtime.Object) (*Manager, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset(objects...)
	m, err := newManager(client, nil, Config{PollInterval: time.Millisecond})
	require.NoError(t, err)
	return m, client
}

func TestProvisionCreatesAllResources(t *testing.T) {
	m, client := newTestManager(t)

	require.NoError(t, m.Provision(context.Background(), provID, nil))

	ctx := context.Background()
	_, err := client.CoreV1().Namespaces().Get(ctx, "srchd-exp1", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.CoreV1().ServiceAccounts("srchd-exp1").Get(ctx, "srchd-exp1-agent-a-sa", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.RbacV1().Roles("srchd-exp1").Get(ctx, "srchd-exp1-agent-a-role", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.RbacV1().RoleBindings("srchd-exp1").Get(ctx, "srchd-exp1-agent-a-role-binding", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.CoreV1().PersistentVolumeClaims("srchd-exp1").Get(ctx, "srchd-exp1-agent-a-pvc", metav1.GetOptions{})
	assert.NoError(t, err)

	pod, err := client.CoreV1().Pods("srchd-exp1").Get(ctx, "srchd-exp1-agent-a", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, defaultImage, pod.Spec.Containers[0].Image)
}

func TestProvisionUsesProfileImage(t *testing.T) {
	m, client := newTestManager(t)

	profile := &computer.Profile{ImageName: "python:3.12"}
	require.NoError(t, m.Provision(context.Background(), provID, profile))

	pod, err := client.CoreV1().Pods("srchd-exp1").Get(context.Background(), "srchd-exp1-agent-a", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "python:3.12", pod.Spec.Containers[0].Image)
}

func TestProvisionIsIdempotent(t *testing.T) {
	m, client := newTestManager(t)

	require.NoError(t, m.Provision(context.Background(), provID, nil))

	var creates int32
	client.PrependReactor("create", "*", func(action k8stesting.Action) (bool, runtime.Object, error) {
		atomic.AddInt32(&creates, 1)
		return false, nil, nil
	})

	require.NoError(t, m.Provision(context.Background(), provID, nil))
	assert.Zero(t, atomic.LoadInt32(&creates))
}

func TestProvisionLosingCreateRaceConverges(t *testing.T) {
	m, client := newTestManager(t)

	// Simulate another provisioner winning every pod create: the object
	// lands in the store but this caller sees AlreadyExists.
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		obj := action.(k8stesting.CreateAction).GetObject()
		require.NoError(t, client.Tracker().Add(obj))
		return true, nil, apierrors.NewAlreadyExists(corev1.Resource("pods"), "srchd-exp1-agent-a")
	})

	require.NoError(t, m.Provision(context.Background(), provID, nil))

	_, err := client.CoreV1().Pods("srchd-exp1").Get(context.Background(), "srchd-exp1-agent-a", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestProvisionRetriesTransientErrors(t *testing.T) {
	m, client := newTestManager(t)

	var reads int32
	client.PrependReactor("get", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if atomic.AddInt32(&reads, 1) == 1 {
			return true, nil, apierrors.NewInternalError(fmt.Errorf("etcd leader changed"))
		}
		return false, nil, nil
	})

	require.NoError(t, m.Provision(context.Background(), provID, nil))
	assert.Greater(t, atomic.LoadInt32(&reads), int32(1))
}

func TestProvisionSurfacesFatalErrors(t *testing.T) {
	m, client := newTestManager(t)

	client.PrependReactor("get", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(corev1.Resource("namespaces"), "srchd-exp1", errors.New("rbac denies"))
	})

	err := m.Provision(context.Background(), provID, nil)
	var perr *computer.ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "namespace", perr.Kind)
	assert.Equal(t, "srchd-exp1", perr.Name)
}
