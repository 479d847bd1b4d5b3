package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"procworld/internal/config"
)

// Environment variables the host's cluster manager sets on launched replicas.
const (
	envConfigJSON = "REPLICA_CONFIG_JSON"
	envConfigYAML = "REPLICA_CONFIG_YAML_B64"
)

// writeConfigFromHost stores the configuration the host passed through the
// environment at cfgPath, so the regular config.Load picks it up. JSON wins
// over YAML when both are set. It reports whether a file was written.
func writeConfigFromHost(cfgPath string, lookup func(string) (string, bool)) (bool, error) {
	cfg, err := hostConfig(lookup)
	if cfg == nil || err != nil {
		return false, err
	}
	if cfgPath == "" {
		return false, errors.New("host sent a configuration but -config is empty")
	}
	if err := cfg.WriteFile(cfgPath); err != nil {
		return false, err
	}
	return true, nil
}

// hostConfig decodes the host payload, or returns nil when there is none.
func hostConfig(lookup func(string) (string, bool)) (*config.Config, error) {
	if payload, ok := lookup(envConfigJSON); ok && payload != "" {
		cfg, err := config.Decode([]byte(payload), json.Unmarshal)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envConfigJSON, err)
		}
		return cfg, nil
	}
	payload, ok := lookup(envConfigYAML)
	if !ok || payload == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envConfigYAML, err)
	}
	cfg, err := config.Decode(data, yaml.Unmarshal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envConfigYAML, err)
	}
	return cfg, nil
}
