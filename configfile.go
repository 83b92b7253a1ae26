package dbmcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IsYAMLPath reports whether path names a YAML config file.
func IsYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ReadServerConfig reads a ServerConfig from path. Files ending in .yaml or
// .yml are decoded as YAML, anything else as JSON.
func ReadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	config, err := DecodeServerConfig(path, data)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// DecodeServerConfig decodes data in the format implied by path.
func DecodeServerConfig(path string, data []byte) (*ServerConfig, error) {
	var config ServerConfig
	if IsYAMLPath(path) {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
		}
		return &config, nil
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON config file: %w", err)
	}
	return &config, nil
}

// EncodeServerConfig renders config in the format implied by path, with a
// trailing newline.
func EncodeServerConfig(path string, config *ServerConfig) ([]byte, error) {
	if IsYAMLPath(path) {
		data, err := yaml.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return append(data, '\n'), nil
}
