// Package k8s_computer implements the computer engine on Kubernetes:
// one namespace per workspace, one pod plus one persistent volume claim
// per computer, and command execution over the pod exec subresource.
package k8s_computer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/srchd/srchd/pkg/computer"
	"github.com/srchd/srchd/pkg/computer/process"
)

const (
	defaultPrefix       = "srchd"
	defaultImage        = "ubuntu:24.04"
	defaultStorageSize  = "1Gi"
	defaultPollInterval = time.Second
)

// Config tunes the Kubernetes engine. Zero values get sane defaults.
type Config struct {
	// Prefix namespaces every object name, so several deployments can
	// share a cluster.
	Prefix string
	// Image is the container image used when a profile names none.
	Image string
	// StorageSize is the workspace volume request, e.g. "1Gi".
	StorageSize string
	// StorageClass selects the volume provisioner; empty means the
	// cluster default.
	StorageClass string
	// CPU and Memory are optional container limits, e.g. "2" and "2Gi".
	CPU    string
	Memory string
	// PollInterval paces the readiness and removal polls.
	PollInterval time.Duration
}

// Manager implements computer.Engine against a Kubernetes cluster.
type Manager struct {
	client  kubernetes.Interface
	restCfg *rest.Config
	cfg     Config

	storage resource.Quantity
	cpu     *resource.Quantity
	memory  *resource.Quantity

	newExecutor func(*rest.Config, string, *url.URL) (remotecommand.Executor, error)
	newStream   func(id computer.Identity, argv []string, opts process.StreamOptions) (streamFunc, error)
}

var _ computer.Engine = (*Manager)(nil)

// NewManager connects to the cluster, preferring in-cluster credentials
// and falling back to the local kubeconfig.
func NewManager(cfg Config) (*Manager, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	return newManager(client, restCfg, cfg)
}

func newManager(client kubernetes.Interface, restCfg *rest.Config, cfg Config) (*Manager, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.StorageSize == "" {
		cfg.StorageSize = defaultStorageSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	storage, err := resource.ParseQuantity(cfg.StorageSize)
	if err != nil {
		return nil, fmt.Errorf("parse storage size %q: %w", cfg.StorageSize, err)
	}

	m := &Manager{
		client:      client,
		restCfg:     restCfg,
		cfg:         cfg,
		storage:     storage,
		newExecutor: remotecommand.NewSPDYExecutor,
	}
	m.newStream = m.spdyStream

	if cfg.CPU != "" {
		q, err := resource.ParseQuantity(cfg.CPU)
		if err != nil {
			return nil, fmt.Errorf("parse cpu limit %q: %w", cfg.CPU, err)
		}
		m.cpu = &q
	}
	if cfg.Memory != "" {
		q, err := resource.ParseQuantity(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("parse memory limit %q: %w", cfg.Memory, err)
		}
		m.memory = &q
	}
	return m, nil
}

func buildRESTConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (m *Manager) limits() corev1.ResourceList {
	if m.cpu == nil && m.memory == nil {
		return nil
	}
	limits := corev1.ResourceList{}
	if m.cpu != nil {
		limits[corev1.ResourceCPU] = *m.cpu
	}
	if m.memory != nil {
		limits[corev1.ResourceMemory] = *m.memory
	}
	return limits
}

// PodPhase probes the computer's pod.
func (m *Manager) PodPhase(ctx context.Context, id computer.Identity) (string, error) {
	ns := namespaceName(m.cfg.Prefix, id)
	name := podName(m.cfg.Prefix, id)

	var pod *corev1.Pod
	err := retryTransient(func() error {
		var getErr error
		pod, getErr = m.client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		return getErr
	})
	if apierrors.IsNotFound(err) {
		return "", &computer.NotFoundError{ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("get pod %s/%s: %w", ns, name, err)
	}
	return string(pod.Status.Phase), nil
}

// DeletePod deletes the computer's pod, keeping the namespace and
// volume so the workspace survives restarts.
func (m *Manager) DeletePod(ctx context.Context, id computer.Identity) error {
	ns := namespaceName(m.cfg.Prefix, id)
	name := podName(m.cfg.Prefix, id)

	err := m.client.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return &computer.NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("delete pod %s/%s: %w", ns, name, err)
	}
	return nil
}

// DeleteVolume deletes the workspace claim, discarding all files.
func (m *Manager) DeleteVolume(ctx context.Context, id computer.Identity) error {
	ns := namespaceName(m.cfg.Prefix, id)
	name := volumeClaimName(m.cfg.Prefix, id)

	err := m.client.CoreV1().PersistentVolumeClaims(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return &computer.NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("delete volume claim %s/%s: %w", ns, name, err)
	}
	return nil
}

// List discovers the computers of one workspace via the labels stamped
// on every pod at provision time.
func (m *Manager) List(ctx context.Context, workspace string) ([]computer.Identity, error) {
	ns := m.cfg.Prefix + "-" + workspace
	selector := labels.Set{
		labelApp:       appName,
		labelWorkspace: workspace,
	}.AsSelector().String()

	pods, err := m.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", ns, err)
	}

	ids := make([]computer.Identity, 0, len(pods.Items))
	for _, pod := range pods.Items {
		name := pod.Labels[labelComputer]
		if name == "" {
			continue
		}
		ids = append(ids, computer.Identity{Workspace: workspace, Computer: name})
	}
	return ids, nil
}
