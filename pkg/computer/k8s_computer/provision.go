package k8s_computer

import (
	"context"
	"log/slog"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/srchd/srchd/pkg/computer"
)

// transientBackoff covers flaky-control-plane kinds: server timeouts,
// throttling, transient unavailability. NotFound and AlreadyExists are
// semantic answers and never retried.
var transientBackoff = wait.Backoff{
	Steps:    3,
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

func retryTransient(fn func() error) error {
	return retry.OnError(transientBackoff, isTransient, fn)
}

type ensureOutcome struct {
	kind           string
	name           string
	alreadyExisted bool
}

// ensure is the idempotent provisioning primitive: read, and only create
// on NotFound. Losing a concurrent create (AlreadyExists) converges to
// the same outcome as "already existed" via a confirming read.
func (m *Manager) ensure(ctx context.Context, kind, name string, read, create func(context.Context) error) (ensureOutcome, error) {
	outcome := ensureOutcome{kind: kind, name: name}

	readErr := retryTransient(func() error { return read(ctx) })
	if readErr == nil {
		outcome.alreadyExisted = true
		return outcome, nil
	}
	if !apierrors.IsNotFound(readErr) {
		return outcome, &computer.ProvisionError{Kind: kind, Name: name, Err: readErr}
	}

	createErr := retryTransient(func() error { return create(ctx) })
	if createErr == nil {
		return outcome, nil
	}
	if apierrors.IsAlreadyExists(createErr) {
		if err := retryTransient(func() error { return read(ctx) }); err != nil {
			return outcome, &computer.ProvisionError{Kind: kind, Name: name, Err: err}
		}
		outcome.alreadyExisted = true
		return outcome, nil
	}
	return outcome, &computer.ProvisionError{Kind: kind, Name: name, Err: createErr}
}

type provisionStep struct {
	kind   string
	name   string
	read   func(context.Context) error
	create func(context.Context) error
}

// Provision ensures every backing resource of the computer, in
// dependency order. Safe to call repeatedly and concurrently.
func (m *Manager) Provision(ctx context.Context, id computer.Identity, profile *computer.Profile) error {
	image := m.cfg.Image
	if profile != nil && profile.ImageName != "" {
		image = profile.ImageName
	}
	env := profile.ResolveEnv()

	for _, step := range m.provisionSteps(id, image, env) {
		outcome, err := m.ensure(ctx, step.kind, step.name, step.read, step.create)
		if err != nil {
			return err
		}
		slog.Debug("resource ensured",
			slog.String("computer", id.String()),
			slog.String("kind", outcome.kind),
			slog.String("name", outcome.name),
			slog.Bool("already_existed", outcome.alreadyExisted))
	}
	return nil
}

func (m *Manager) provisionSteps(id computer.Identity, image string, env map[string]string) []provisionStep {
	prefix := m.cfg.Prefix
	ns := namespaceName(prefix, id)
	get := metav1.GetOptions{}
	create := metav1.CreateOptions{}

	return []provisionStep{
		{
			kind: "namespace",
			name: ns,
			read: func(ctx context.Context) error {
				_, err := m.client.CoreV1().Namespaces().Get(ctx, ns, get)
				return err
			},
			create: func(ctx context.Context) error {
				_, err := m.client.CoreV1().Namespaces().Create(ctx, namespaceSpec(prefix, id), create)
				return err
			},
		},
		{
			kind: "serviceaccount",
			name: serviceAccountName(prefix, id),
			read: func(ctx context.Context) error {
				_, err := m.client.CoreV1().ServiceAccounts(ns).Get(ctx, serviceAccountName(prefix, id), get)
				return err
			},
			create: func(ctx context.Context) error {
				_, err := m.client.CoreV1().ServiceAccounts(ns).Create(ctx, serviceAccountSpec(prefix, id), create)
				return err
			},
		},
		{
			kind: "role",
			name: roleName(prefix, id),
			read: func(ctx context.Context) error {
				_, err := m.client.RbacV1().Roles(ns).Get(ctx, roleName(prefix, id), get)
				return err
			},
			create: func(ctx context.Context) error {
				_, err := m.client.RbacV1().Roles(ns).Create(ctx, roleSpec(prefix, id), create)
				return err
			},
		},
		{
			kind: "rolebinding",
			name: roleName(prefix, id) + "-binding",
			read: func(ctx context.Context) error {
				_, err := m.client.RbacV1().RoleBindings(ns).Get(ctx, roleName(prefix, id)+"-binding", get)
				return err
			},
			create: func(ctx context.Context) error {
				_, err := m.client.RbacV1().RoleBindings(ns).Create(ctx, roleBindingSpec(prefix, id), create)
				return err
			},
		},
		{
			kind: "persistentvolumeclaim",
			name: volumeClaimName(prefix, id),
			read: func(ctx context.Context) error {
				_, err := m.client.CoreV1().PersistentVolumeClaims(ns).Get(ctx, volumeClaimName(prefix, id), get)
				return err
			},
			create: func(ctx context.Context) error {
				_, err := m.client.CoreV1().PersistentVolumeClaims(ns).Create(ctx, volumeClaimSpec(prefix, id, m.storage, m.cfg.StorageClass), create)
				return err
			},
		},
		{
			kind: "pod",
			name: podName(prefix, id),
			read: func(ctx context.Context) error {
				_, err := m.client.CoreV1().Pods(ns).Get(ctx, podName(prefix, id), get)
				return err
			},
			create: func(ctx context.Context) error {
				_, err := m.client.CoreV1().Pods(ns).Create(ctx, podSpec(prefix, id, image, env, m.limits()), create)
				return err
			},
		},
	}
}
