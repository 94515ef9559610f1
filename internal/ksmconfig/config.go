// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ksmconfig loads the daemon's boot-time configuration from a TOML
// file, providing the defaults for every knob the control surface also
// allows changing at runtime.
package ksmconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk shape of a ksmd configuration file.
type Config struct {
	// SleepMillisecs is the initial sleep_millisecs knob value.
	SleepMillisecs uint32 `toml:"sleep_millisecs"`
	// PagesToScan is the initial pages_to_scan knob value.
	PagesToScan uint32 `toml:"pages_to_scan"`
	// MaxKernelPages caps the stable tree's node count; 0 means unlimited.
	MaxKernelPages uint64 `toml:"max_kernel_pages"`
	// Run is the initial mode: "stop", "merge", or "unmerge".
	Run string `toml:"run"`

	// ControlAddr is the abstract unix socket address the control server
	// listens on.
	ControlAddr string `toml:"control_addr"`
	// LogLevel is one of logrus's level names ("debug", "info", "warn", …).
	LogLevel string `toml:"log_level"`
	// PidFile is the path of the lock file guarding a singleton daemon
	// instance.
	PidFile string `toml:"pid_file"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		SleepMillisecs: 20,
		PagesToScan:    100,
		MaxKernelPages: 0,
		Run:            "stop",
		ControlAddr:    "\x00ksmd.ctrl",
		LogLevel:       "info",
		PidFile:        "/var/run/ksmd.pid",
	}
}

// Load reads and decodes path, layering its fields over Default() so a
// partial file only needs to mention the knobs it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("ksmconfig: decode %s: %w", path, err)
	}
	return cfg, nil
}
