// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package htmap

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings configures a Registry.
type Settings struct {
	// MapsDir is the root directory under which each map's durable
	// directory is created, named by map id.
	MapsDir string `yaml:"maps_dir"`
}

// DefaultSettings returns settings rooted under the user's home
// directory.
func DefaultSettings() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Settings{MapsDir: filepath.Join(home, ".htmap", "maps")}
}

// LoadSettings reads settings from the YAML file at path, filling
// unset fields from DefaultSettings. A missing file yields the
// defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return Settings{}, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	if s.MapsDir == "" {
		s.MapsDir = DefaultSettings().MapsDir
	}
	return s, nil
}
