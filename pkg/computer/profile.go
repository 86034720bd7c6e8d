package computer

import "os"

// EnvSpec names one environment variable to inject into a computer's
// container. A nil Value means the value is copied by name from the
// management process's own environment at pod-definition time (how
// secrets reach the sandbox).
type EnvSpec struct {
	Name  string
	Value *string
}

// Profile is the collaborator-supplied record selecting a container
// image and environment for a computer. Only consulted when the pod is
// defined; it never changes a running computer.
type Profile struct {
	ImageName string
	Env       []EnvSpec
}

// ResolveEnv materializes the env specs into name/value pairs.
func (p *Profile) ResolveEnv() map[string]string {
	if p == nil || len(p.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.Env))
	for _, e := range p.Env {
		if e.Value != nil {
			out[e.Name] = *e.Value
			continue
		}
		out[e.Name] = os.Getenv(e.Name)
	}
	return out
}
