// Package configloader loads YAML routing configuration files.
package configloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads YAML files relative to a base directory.
type Loader struct {
	baseDir string
}

// NewLoader creates a new configuration loader.
func NewLoader(baseDir string) *Loader {
	return &Loader{baseDir: baseDir}
}

// Load loads a single YAML file and unmarshals it into target.
func (l *Loader) Load(subPath string, target any) error {
	data, err := l.ReadFileWithFallback(subPath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", subPath, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal YAML %s: %w", subPath, err)
	}
	return nil
}

// ReadFileWithFallback tries to read file from path relative to baseDir,
// then falls back to executable directory for production builds.
func (l *Loader) ReadFileWithFallback(path string) ([]byte, error) {
	if filepath.IsAbs(path) {
		return os.ReadFile(path)
	}
	data, err := os.ReadFile(filepath.Join(l.baseDir, path))
	if err == nil {
		return data, nil
	}

	execPath, execErr := os.Executable()
	if execErr != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(filepath.Dir(execPath), l.baseDir, path))
}

// RoutingConfig is the YAML document describing topic tool requirements.
//
//	topics:
//	  schedule:
//	    tools: [calendar, reminder]
type RoutingConfig struct {
	Topics map[string]TopicConfig `yaml:"topics"`
}

// TopicConfig lists the tools a topic implies.
type TopicConfig struct {
	Tools []string `yaml:"tools"`
}

// TopicTools flattens the config into a topic to tool list map. Topic names
// are lower-cased and blank tool names dropped.
func (c *RoutingConfig) TopicTools() map[string][]string {
	out := make(map[string][]string, len(c.Topics))
	for topic, tc := range c.Topics {
		var tools []string
		for _, t := range tc.Tools {
			if t = strings.TrimSpace(t); t != "" {
				tools = append(tools, t)
			}
		}
		out[strings.ToLower(strings.TrimSpace(topic))] = tools
	}
	return out
}

// LoadRouting loads a RoutingConfig from path.
func (l *Loader) LoadRouting(path string) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := l.Load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
