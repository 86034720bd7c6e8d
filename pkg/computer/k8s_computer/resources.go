package k8s_computer

import (
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/srchd/srchd/pkg/computer"
)

// Resource definitions: pure builders turning an identity (plus image
// and env overrides) into declarative object specs. Nothing here talks
// to the API server.

const (
	containerName = "computer"

	labelApp       = "app"
	appName        = "srchd-computer"
	labelWorkspace = "srchd.dev/workspace"
	labelComputer  = "srchd.dev/computer"

	workspaceMount = "/workspace"
)

func namespaceName(prefix string, id computer.Identity) string {
	return prefix + "-" + id.Workspace
}

func podName(prefix string, id computer.Identity) string {
	return fmt.Sprintf("%s-%s-%s", prefix, id.Workspace, id.Computer)
}

func volumeClaimName(prefix string, id computer.Identity) string {
	return podName(prefix, id) + "-pvc"
}

func serviceAccountName(prefix string, id computer.Identity) string {
	return podName(prefix, id) + "-sa"
}

func roleName(prefix string, id computer.Identity) string {
	return podName(prefix, id) + "-role"
}

// labelsFor enables label-selector discovery ("list computers in
// workspace X") on every created object.
func labelsFor(id computer.Identity) map[string]string {
	return map[string]string{
		labelApp:       appName,
		labelWorkspace: id.Workspace,
		labelComputer:  id.Computer,
	}
}

func namespaceSpec(prefix string, id computer.Identity) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespaceName(prefix, id),
			Labels: labelsFor(id),
		},
	}
}

func serviceAccountSpec(prefix string, id computer.Identity) *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceAccountName(prefix, id),
			Namespace: namespaceName(prefix, id),
			Labels:    labelsFor(id),
		},
	}
}

func roleSpec(prefix string, id computer.Identity) *rbacv1.Role {
	return &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{
			Name:      roleName(prefix, id),
			Namespace: namespaceName(prefix, id),
			Labels:    labelsFor(id),
		},
		Rules: []rbacv1.PolicyRule{
			{
				APIGroups: []string{""},
				Resources: []string{"pods"},
				Verbs:     []string{"get", "list"},
			},
		},
	}
}

func roleBindingSpec(prefix string, id computer.Identity) *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      roleName(prefix, id) + "-binding",
			Namespace: namespaceName(prefix, id),
			Labels:    labelsFor(id),
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:      rbacv1.ServiceAccountKind,
				Name:      serviceAccountName(prefix, id),
				Namespace: namespaceName(prefix, id),
			},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "Role",
			Name:     roleName(prefix, id),
		},
	}
}

func volumeClaimSpec(prefix string, id computer.Identity, storage resource.Quantity, storageClass string) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      volumeClaimName(prefix, id),
			Namespace: namespaceName(prefix, id),
			Labels:    labelsFor(id),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: storage,
				},
			},
		},
	}
	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}
	return pvc
}

// podSpec defines the sandbox pod: a single long-lived container the
// exec engine streams into, with the workspace claim mounted.
func podSpec(prefix string, id computer.Identity, image string, env map[string]string, limits corev1.ResourceList) *corev1.Pod {
	envVars := []corev1.EnvVar{
		{Name: "TERM", Value: "xterm-256color"},
		{Name: "COMPUTER_WORKSPACE", Value: workspaceMount},
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: env[k]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(prefix, id),
			Namespace: namespaceName(prefix, id),
			Labels:    labelsFor(id),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: serviceAccountName(prefix, id),
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: volumeClaimName(prefix, id),
						},
					},
				},
			},
			Containers: []corev1.Container{
				{
					Name:       containerName,
					Image:      image,
					Command:    []string{"sleep", "infinity"},
					WorkingDir: workspaceMount,
					VolumeMounts: []corev1.VolumeMount{
						{
							Name:      "workspace",
							MountPath: workspaceMount,
						},
					},
					Env: envVars,
					Resources: corev1.ResourceRequirements{
						Limits: limits,
					},
				},
			},
		},
	}
}
