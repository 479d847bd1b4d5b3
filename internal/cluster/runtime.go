package cluster

import (
	"context"
	"os"
	"strings"
)

type runtimeMode string

const (
	runtimeLocal      runtimeMode = "local"
	runtimeDocker     runtimeMode = "docker"
	runtimeKubernetes runtimeMode = "kubernetes"
)

// runtime launches one replica process and reports it through a process
// handle. Implementations must be safe for sequential use by the manager.
type runtime interface {
	start(ctx context.Context, spec launchSpec) (*process, error)
	shutdown()
}

// detectRuntimeMode honours the configured mode, then PROCWORLD_CLUSTER_MODE,
// then falls back to sniffing the environment the host runs in.
func detectRuntimeMode(configured string) runtimeMode {
	for _, candidate := range []string{configured, os.Getenv("PROCWORLD_CLUSTER_MODE")} {
		switch runtimeMode(strings.ToLower(strings.TrimSpace(candidate))) {
		case runtimeDocker:
			return runtimeDocker
		case runtimeKubernetes:
			return runtimeKubernetes
		case runtimeLocal:
			return runtimeLocal
		}
	}

	if isKubernetesEnvironment() {
		return runtimeKubernetes
	}
	if isDockerEnvironment() {
		return runtimeDocker
	}
	return runtimeLocal
}

func isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

func isKubernetesEnvironment() bool {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	if os.Getenv("KUBERNETES_PORT") != "" {
		return true
	}
	return false
}

// workloadName turns a replica id into a name both docker and kubernetes
// accept: lower case alphanumerics and dashes, at most 63 characters.
func workloadName(id string) string {
	var b strings.Builder
	b.WriteString("procworld-")
	dash := true
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

func replicaLabels(spec launchSpec) map[string]string {
	return map[string]string{
		"app":                  "procworld-replica",
		"procworld-replica-id": workloadName(spec.ID),
	}
}
