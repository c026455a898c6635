// Package config provides configuration loading helpers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDirName      = ".config"
	userConfigFileName     = "config.yaml"
	repoConfigDirName      = "_foreman/_durable-state"
	repoLegacyConfigDirName = "_foreman/config"
)

// Load resolves configuration from user defaults, repo overrides, and CLI overrides.
func Load(repoRoot string, cliOverrides map[string]any, warn func(string)) (Config, error) {
	userPath, err := userConfigPath()
	if err != nil {
		return Config{}, err
	}

	merged := map[string]any{}
	merged, err = mergeConfigLayer(merged, userPath, "user defaults")
	if err != nil {
		return Config{}, err
	}

	if repoRoot != "" {
		repoConfigPath := filepath.Join(repoRoot, repoConfigDirName, userConfigFileName)
		merged, err = mergeConfigLayer(merged, repoConfigPath, "repo overrides")
		if err != nil {
			return Config{}, err
		}

		legacyConfigPath := filepath.Join(repoRoot, repoLegacyConfigDirName, userConfigFileName)
		merged, err = mergeConfigLayer(merged, legacyConfigPath, "repo legacy overrides")
		if err != nil {
			return Config{}, err
		}
	}

	if cliOverrides != nil {
		merged = mergeConfigMaps(merged, cliOverrides)
	}

	cfg, err := decodeConfig(merged)
	if err != nil {
		return Config{}, err
	}
	return ApplyDefaults(cfg, warn), nil
}

// userConfigPath resolves the user defaults path for config.yaml.
func userConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, userConfigDirName, "foreman", userConfigFileName), nil
}

// mergeConfigLayer reads a config file and merges it into the base map.
func mergeConfigLayer(base map[string]any, path string, label string) (map[string]any, error) {
	layer, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	return mergeConfigMaps(base, layer), nil
}

// readConfigFile parses a config YAML document from the given path.
func readConfigFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return map[string]any{}, nil
	}
	return data, nil
}

// mergeConfigMaps overlays override onto base and returns a merged map.
func mergeConfigMaps(base map[string]any, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	merged := cloneConfigMap(base)
	for key, value := range override {
		overrideMap, ok := value.(map[string]any)
		if !ok {
			merged[key] = value
			continue
		}
		if baseMap, ok := merged[key].(map[string]any); ok {
			merged[key] = mergeConfigMaps(baseMap, overrideMap)
			continue
		}
		merged[key] = cloneConfigMap(overrideMap)
	}
	return merged
}

// cloneConfigMap copies a map recursively to prevent aliasing.
func cloneConfigMap(values map[string]any) map[string]any {
	clone := make(map[string]any, len(values))
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			clone[key] = cloneConfigMap(nested)
			continue
		}
		clone[key] = value
	}
	return clone
}

// decodeConfig decodes a merged config map onto Defaults() by round-tripping
// it through the yaml.v3 marshaler, which already knows how to match the
// struct's yaml tags. Keys absent from every layer keep their default value.
func decodeConfig(raw map[string]any) (Config, error) {
	cfg := Defaults()
	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: re-marshal merged layers: %w", err)
	}
	if err := yaml.Unmarshal(encoded, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode merged layers: %w", err)
	}
	return cfg, nil
}
