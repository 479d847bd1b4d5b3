package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	podPollInterval  = 2 * time.Second
	podStopGrace     = int64(10)
	serviceAccountNS = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

// kubernetesRuntime runs each replica as a bare pod in the host's namespace.
type kubernetesRuntime struct {
	pods typedcorev1.PodInterface
}

func newKubernetesRuntime() (*kubernetesRuntime, error) {
	restCfg, err := kubeRestConfig()
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return &kubernetesRuntime{pods: clientset.CoreV1().Pods(replicaNamespace())}, nil
}

// kubeRestConfig prefers the in-cluster service account and falls back to
// KUBECONFIG or ~/.kube/config.
func kubeRestConfig() (*rest.Config, error) {
	restCfg, inClusterErr := rest.InClusterConfig()
	if inClusterErr == nil {
		return restCfg, nil
	}
	path := os.Getenv("KUBECONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no in-cluster config (%v) and no kubeconfig: %w", inClusterErr, err)
		}
		path = filepath.Join(home, ".kube", "config")
	}
	restCfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
	}
	return restCfg, nil
}

func replicaNamespace() string {
	for _, key := range []string{"PROCWORLD_NAMESPACE", "POD_NAMESPACE"} {
		if ns := strings.TrimSpace(os.Getenv(key)); ns != "" {
			return ns
		}
	}
	if data, err := os.ReadFile(serviceAccountNS); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return "default"
}

func (r *kubernetesRuntime) start(ctx context.Context, spec launchSpec) (*process, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("replica %s: kubernetes runtime needs container_image", spec.ID)
	}

	pod := replicaPod(spec)
	if _, err := r.pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if !k8serrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("replica %s: create pod: %w", spec.ID, err)
		}
		// A pod left over from an earlier host run still holds the name.
		if err := r.recreate(ctx, pod); err != nil {
			return nil, fmt.Errorf("replica %s: %w", spec.ID, err)
		}
	}

	proc := newProcess(spec)
	proc.setActiveStatus("pending")
	watchCtx, cancel := context.WithCancel(context.Background())
	proc.cancelWatch = cancel
	go r.watch(watchCtx, proc, pod.Name)

	proc.stopFn = func(stopCtx context.Context) error {
		grace := podStopGrace
		err := r.pods.Delete(stopCtx, pod.Name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
		if k8serrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return proc, nil
}

func replicaPod(spec launchSpec) *corev1.Pod {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   workloadName(spec.ID),
			Labels: replicaLabels(spec),
		},
		Spec: corev1.PodSpec{
			// The host relaunches replicas itself on its next start.
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "replica",
				Image: spec.Image,
				Args:  spec.Args,
				Env:   env,
			}},
		},
	}
}

// watch polls the pod until it reaches a terminal phase or disappears.
func (r *kubernetesRuntime) watch(ctx context.Context, proc *process, name string) {
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pod, err := r.pods.Get(ctx, name, metav1.GetOptions{})
		switch {
		case k8serrors.IsNotFound(err):
			proc.setFinalStatus("stopped", fmt.Errorf("pod %s deleted", name))
			return
		case err != nil:
			if ctx.Err() == nil {
				proc.setFinalStatus("stopped", err)
			}
			return
		}
		status, done, failure := podStatus(pod)
		if done {
			proc.setFinalStatus(status, failure)
			return
		}
		proc.setActiveStatus(status)
	}
}

// podStatus maps a pod phase onto the process status vocabulary.
func podStatus(pod *corev1.Pod) (status string, done bool, failure error) {
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return "running", false, nil
	case corev1.PodSucceeded:
		return "exited", true, nil
	case corev1.PodFailed:
		return "stopped", true, podFailure(pod)
	default:
		return "pending", false, nil
	}
}

func (r *kubernetesRuntime) recreate(ctx context.Context, pod *corev1.Pod) error {
	if err := r.pods.Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("delete stale pod: %w", err)
	}
	gone := func(ctx context.Context) (bool, error) {
		_, err := r.pods.Get(ctx, pod.Name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	if err := wait.PollUntilContextTimeout(ctx, 500*time.Millisecond, 30*time.Second, true, gone); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("wait for stale pod: %w", err)
	}
	if _, err := r.pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("recreate pod: %w", err)
	}
	return nil
}

func (r *kubernetesRuntime) shutdown() {}

func podFailure(pod *corev1.Pod) error {
	if msg := pod.Status.Message; msg != "" {
		return errors.New(msg)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		term := cs.State.Terminated
		if term == nil {
			continue
		}
		switch {
		case term.Message != "":
			return errors.New(term.Message)
		case term.Reason != "":
			return fmt.Errorf("replica container %s (exit code %d)", term.Reason, term.ExitCode)
		default:
			return fmt.Errorf("replica container exit code %d", term.ExitCode)
		}
	}
	if pod.Status.Reason != "" {
		return fmt.Errorf("pod failed: %s", pod.Status.Reason)
	}
	return errors.New("pod failed")
}
