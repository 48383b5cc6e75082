// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package config loads an optional YAML file overlaying the CLI flags
// cmd/duskprofd otherwise reads its settings from, for deployments that
// prefer a checked-in file to a long flag list.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEmptyConfig is returned by Load when given an empty document.
var ErrEmptyConfig = errors.New("empty config")

// Config holds the subset of duskprofd's settings that may be supplied by
// file instead of flag. Zero values mean "not set"; callers overlay a
// loaded Config onto their flags by only copying fields the flags left
// at their own zero value, so a flag on the command line always wins.
type Config struct {
	PID               []int         `yaml:"pids,omitempty"`
	SampleFrequencyHz uint64        `yaml:"sample_frequency_hz,omitempty"`
	Duration          time.Duration `yaml:"duration,omitempty"`
	ReportInterval    time.Duration `yaml:"report_interval,omitempty"`
	OutputDirectory   string        `yaml:"output_directory,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
