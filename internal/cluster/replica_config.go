package cluster

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"procworld/internal/config"
	"procworld/internal/hostconfig"
)

// containerConfigPath is where replicas running in a container write the
// configuration they receive through the environment.
const containerConfigPath = "/tmp/procworld/replica.json"

// launchSpec is everything a runtime needs to start one replica.
type launchSpec struct {
	ID         string
	Executable string
	Image      string
	Args       []string
	Env        map[string]string
}

func buildLaunchSpec(cfg *hostconfig.Config, rs hostconfig.ReplicaSpec, mode runtimeMode) (launchSpec, error) {
	env, err := replicaEnvironment(cfg, rs)
	if err != nil {
		return launchSpec{}, err
	}
	args := rs.Args
	if len(args) == 0 {
		path := containerConfigPath
		if mode == runtimeLocal {
			path = filepath.Join(cfg.Cluster.ConfigDir, rs.ID+".json")
		}
		args = []string{"--config", path}
	}
	return launchSpec{
		ID:         rs.ID,
		Executable: rs.Executable,
		Image:      rs.ContainerImage,
		Args:       args,
		Env:        env,
	}, nil
}

// replicaEnvironment merges the cluster and replica environment with the
// configuration payload the replica writes to disk before loading it.
func replicaEnvironment(cfg *hostconfig.Config, rs hostconfig.ReplicaSpec) (map[string]string, error) {
	env := make(map[string]string, len(cfg.Cluster.Env)+len(rs.Env)+3)
	for k, v := range cfg.Cluster.Env {
		env[k] = v
	}
	for k, v := range rs.Env {
		env[k] = v
	}
	env["REPLICA_ID"] = rs.ID

	jsonPayload, yamlPayload, err := buildReplicaConfigPayload(cfg, rs)
	if err != nil {
		return nil, err
	}
	env["REPLICA_CONFIG_JSON"] = jsonPayload
	env["REPLICA_CONFIG_YAML_B64"] = yamlPayload
	return env, nil
}

func replicaConfig(cfg *hostconfig.Config, rs hostconfig.ReplicaSpec) config.Config {
	out := *config.Default()
	out.Replica.ID = rs.ID
	out.Replica.ViewerID = rs.ID + "-walker"
	out.Replica.HostURL = cfg.PublicURL
	if cfg.TickRate > 0 {
		out.Replica.TickRate = cfg.TickRate
	}
	if rs.WalkSpeed > 0 {
		out.Replica.WalkSpeed = rs.WalkSpeed
	}
	if rs.ReportInterval > 0 {
		out.Replica.ReportInterval = rs.ReportInterval
	}
	out.World = cfg.World
	// Replicas always take the seed from the host.
	out.World.Seed = 0
	out.World.RandomizeSeed = false
	return out
}

func buildReplicaConfigPayload(cfg *hostconfig.Config, rs hostconfig.ReplicaSpec) (jsonPayload string, yamlPayload string, err error) {
	if cfg == nil {
		return "", "", fmt.Errorf("cluster config is nil")
	}
	replicaCfg := replicaConfig(cfg, rs)
	if err := replicaCfg.Validate(); err != nil {
		return "", "", fmt.Errorf("replica %s config: %w", rs.ID, err)
	}

	jsonBytes, err := json.Marshal(replicaCfg)
	if err != nil {
		return "", "", fmt.Errorf("marshal replica config json: %w", err)
	}
	yamlBytes, err := yaml.Marshal(replicaCfg)
	if err != nil {
		return "", "", fmt.Errorf("marshal replica config yaml: %w", err)
	}
	return string(jsonBytes), base64.StdEncoding.EncodeToString(yamlBytes), nil
}
