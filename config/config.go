// Package config loads the YAML device manifest that describes how
// many virtqueues an accelerator instance has, their queue size, and
// whether to force-enable the device even when the platform lacks
// guest notifier support. This is the deployment-facing counterpart to
// the wire-level init(handle, devfd, force) entry point, in the idiom
// canonical-snapd uses for its snap.yaml manifests.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Manifest is the top-level device-manifest document.
type Manifest struct {
	Device string      `yaml:"device"`
	Force  bool        `yaml:"force"`
	Debug  bool        `yaml:"debug"`
	Queues []QueueSpec `yaml:"queues"`
}

// QueueSpec describes one virtqueue's static geometry.
type QueueSpec struct {
	Size uint32 `yaml:"size"`
}

// Load parses a device manifest from raw YAML bytes.
func Load(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest: %w", err)
	}
	if m.Device == "" {
		return nil, fmt.Errorf("config: manifest missing required \"device\" path")
	}
	if len(m.Queues) == 0 {
		return nil, fmt.Errorf("config: manifest must declare at least one queue")
	}
	return &m, nil
}

// LoadFile reads and parses a device manifest from path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	return Load(data)
}
