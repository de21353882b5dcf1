// Package config loads the optional .iamlp.yaml settings file that supplies
// CLI defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is resolved relative to the working directory.
const DefaultPath = ".iamlp.yaml"

type Settings struct {
	Trail struct {
		Source string `yaml:"source"`
		Start  string `yaml:"start"`
		End    string `yaml:"end"`
	} `yaml:"trail"`
	Generate struct {
		Mode            string   `yaml:"mode"`
		PrincipalFilter string   `yaml:"principalFilter"`
		ExcludeActions  []string `yaml:"excludeActions"`
		MinCount        int      `yaml:"minCount"`
		MaxStatements   int      `yaml:"maxStatements"`
		LogsBaseline    bool     `yaml:"logsBaseline"`
		ExcludeInternal bool     `yaml:"excludeInternal"`
		Output          string   `yaml:"output"`
	} `yaml:"generate"`
	Diff struct {
		HighRiskServices []string `yaml:"highRiskServices"`
		TopServices      int      `yaml:"topServices"`
	} `yaml:"diff"`
	AllowlistPath string `yaml:"allowlistPath"`
}

func defaults() Settings {
	var s Settings
	s.Generate.Mode = "actions"
	s.Generate.MinCount = 1
	s.Diff.TopServices = 5
	return s
}

// Load reads settings from path, falling back to defaults when the file is
// absent. Unknown keys are rejected so typos surface immediately.
func Load(path string) (Settings, error) {
	if path == "" {
		path = DefaultPath
	}
	s := defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.Generate.MinCount < 1 {
		s.Generate.MinCount = 1
	}
	return s, nil
}
