package cluster

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"

	"procworld/internal/config"
	"procworld/internal/hostconfig"
)

func testConfig(t *testing.T, replicas ...hostconfig.ReplicaSpec) *hostconfig.Config {
	t.Helper()
	cfg := hostconfig.Default()
	cfg.Cluster.Mode = "local"
	cfg.Cluster.ConfigDir = t.TempDir()
	cfg.Replicas = replicas
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func newTestManager(t *testing.T, cfg *hostconfig.Config) *Manager {
	t.Helper()
	mgr, err := New(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return mgr
}

func waitForFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return data
		}
		if time.Now().After(deadline) {
			t.Fatalf("file %q was not created", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartAllMergesEnvironment(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "env.txt")
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := testConfig(t, hostconfig.ReplicaSpec{
		ID:         "walker-1",
		Executable: "/bin/sh",
		Args: []string{"-c", "printf '%s' \"$REPLICA_CONFIG_JSON\" > \"$CONFIG_FILE\"; " +
			"printf '%s\\n%s\\n%s\\n' \"$GLOBAL_FLAG\" \"$REPLICA_FLAG\" \"$REPLICA_ID\" > \"$OUTPUT_FILE\""},
		Env: map[string]string{
			"REPLICA_FLAG": "walker",
			"OUTPUT_FILE":  outputPath,
			"CONFIG_FILE":  configPath,
		},
		WalkSpeed: 3,
	})
	cfg.Cluster.Env = map[string]string{"GLOBAL_FLAG": "cluster"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mgr := newTestManager(t, cfg)
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(waitForFile(t, outputPath))), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected env file contents: %q", lines)
	}
	if lines[0] != "cluster" {
		t.Errorf("GLOBAL_FLAG = %q, want %q", lines[0], "cluster")
	}
	if lines[1] != "walker" {
		t.Errorf("REPLICA_FLAG = %q, want %q", lines[1], "walker")
	}
	if lines[2] != "walker-1" {
		t.Errorf("REPLICA_ID = %q, want %q", lines[2], "walker-1")
	}

	var replicaCfg config.Config
	if err := json.Unmarshal(waitForFile(t, configPath), &replicaCfg); err != nil {
		t.Fatalf("decode replica config: %v", err)
	}
	if replicaCfg.Replica.HostURL != cfg.PublicURL {
		t.Errorf("HostURL = %q, want %q", replicaCfg.Replica.HostURL, cfg.PublicURL)
	}
	if replicaCfg.Replica.WalkSpeed != 3 || replicaCfg.Replica.ID != "walker-1" {
		t.Errorf("unexpected replica block %+v", replicaCfg.Replica)
	}
	if replicaCfg.World.Seed != 0 || replicaCfg.World.ChunkSize != cfg.World.ChunkSize {
		t.Errorf("world block should mirror the host without a seed: %+v", replicaCfg.World)
	}
}

func TestProcessesReportsExitStatus(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, hostconfig.ReplicaSpec{
		ID:         "walker-1",
		Executable: "/bin/sh",
		Args:       []string{"-c", "echo failing >&2; exit 12"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mgr := newTestManager(t, cfg)
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	var infos []ProcessInfo
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		infos = mgr.Processes()
		if len(infos) > 0 && infos[0].Status != "running" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(infos) == 0 {
		t.Fatalf("Processes() returned no entries")
	}
	info := infos[0]
	if info.Status != "stopped" || info.Runtime != "local" {
		t.Fatalf("Status = %q runtime %q, want stopped/local", info.Status, info.Runtime)
	}
	if info.StoppedAt == nil {
		t.Fatalf("StoppedAt = nil, want non-nil")
	}
	if !strings.Contains(info.LastError, "exit status 12") {
		t.Fatalf("LastError = %q, want to contain exit status", info.LastError)
	}
}

func TestStartAllJoinsLaunchErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t,
		hostconfig.ReplicaSpec{ID: "a", Executable: "/nonexistent/replica"},
		hostconfig.ReplicaSpec{ID: "b", Executable: "/nonexistent/replica"},
	)
	mgr := newTestManager(t, cfg)
	err := mgr.StartAll(context.Background())
	if err == nil {
		t.Fatalf("StartAll() = nil, want error")
	}
	if !strings.Contains(err.Error(), "replica a") || !strings.Contains(err.Error(), "replica b") {
		t.Fatalf("expected both failures, got %v", err)
	}
	if len(mgr.Processes()) != 0 {
		t.Fatalf("failed replicas must not be tracked")
	}
}

func TestLaunchSpecDefaultArgs(t *testing.T) {
	cfg := testConfig(t, hostconfig.ReplicaSpec{ID: "w", Executable: "/bin/true"})

	local, err := buildLaunchSpec(cfg, cfg.Replicas[0], runtimeLocal)
	if err != nil {
		t.Fatalf("buildLaunchSpec: %v", err)
	}
	want := filepath.Join(cfg.Cluster.ConfigDir, "w.json")
	if len(local.Args) != 2 || local.Args[0] != "--config" || local.Args[1] != want {
		t.Fatalf("local args = %v", local.Args)
	}
	container, err := buildLaunchSpec(cfg, cfg.Replicas[0], runtimeDocker)
	if err != nil {
		t.Fatalf("buildLaunchSpec: %v", err)
	}
	if container.Args[1] != containerConfigPath {
		t.Fatalf("container args = %v", container.Args)
	}
	if container.Env["REPLICA_CONFIG_YAML_B64"] == "" || container.Env["REPLICA_ID"] != "w" {
		t.Fatalf("missing replica environment")
	}
}

func TestDetectRuntimeModeHonoursConfiguration(t *testing.T) {
	for _, mode := range []runtimeMode{runtimeLocal, runtimeDocker, runtimeKubernetes} {
		if got := detectRuntimeMode(strings.ToUpper(string(mode))); got != mode {
			t.Fatalf("detectRuntimeMode(%q) = %q", mode, got)
		}
	}
}

func TestReplicaPodCarriesEnvironment(t *testing.T) {
	pod := replicaPod(launchSpec{
		ID:    "walker-2",
		Image: "procworld/replica:dev",
		Args:  []string{"--config", containerConfigPath},
		Env:   map[string]string{"B": "2", "A": "1"},
	})
	c := pod.Spec.Containers[0]
	if pod.Name != "procworld-walker-2" || c.Image != "procworld/replica:dev" {
		t.Fatalf("unexpected pod %s image %s", pod.Name, c.Image)
	}
	if len(c.Env) != 2 || c.Env[0].Name != "A" || c.Env[1].Value != "2" {
		t.Fatalf("env not sorted: %+v", c.Env)
	}
	if got := envList(map[string]string{"B": "2", "A": "1"}); got[0] != "A=1" {
		t.Fatalf("envList = %v", got)
	}
}

func TestWorkloadName(t *testing.T) {
	cases := []struct{ id, want string }{
		{"walker-2", "procworld-walker-2"},
		{"Replica_One", "procworld-replica-one"},
		{"--edge..case--", "procworld-edge-case"},
		{strings.Repeat("a", 80), "procworld-" + strings.Repeat("a", 53)},
	}
	for _, tc := range cases {
		if got := workloadName(tc.id); got != tc.want {
			t.Errorf("workloadName(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestPodStatus(t *testing.T) {
	tests := []struct {
		phase  corev1.PodPhase
		status string
		done   bool
	}{
		{corev1.PodPending, "pending", false},
		{corev1.PodRunning, "running", false},
		{corev1.PodSucceeded, "exited", true},
		{corev1.PodFailed, "stopped", true},
	}
	for _, tt := range tests {
		pod := &corev1.Pod{Status: corev1.PodStatus{Phase: tt.phase}}
		status, done, _ := podStatus(pod)
		if status != tt.status || done != tt.done {
			t.Errorf("phase %s: got %s/%v", tt.phase, status, done)
		}
	}

	failed := &corev1.Pod{Status: corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Reason: "OOMKilled", ExitCode: 137}},
		}},
	}}
	if _, _, err := podStatus(failed); err == nil || !strings.Contains(err.Error(), "OOMKilled") {
		t.Fatalf("failure = %v", err)
	}
}

func TestExitStatus(t *testing.T) {
	if status, err := exitStatus(0, ""); status != "exited" || err != nil {
		t.Fatalf("clean exit = %s, %v", status, err)
	}
	if status, err := exitStatus(2, ""); status != "stopped" || err == nil {
		t.Fatalf("non-zero exit = %s, %v", status, err)
	}
	if _, err := exitStatus(0, "oom"); err == nil || err.Error() != "oom" {
		t.Fatalf("wait error = %v", err)
	}
}
