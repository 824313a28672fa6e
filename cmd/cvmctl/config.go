// Copyright 2026 The cvmcore Authors.
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

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/pagestate"
)

// duration is a toml-parsable time.Duration.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// config is cvmctl.toml.
type config struct {
	// Device is the host VTL driver device node.
	Device string `toml:"device"`

	// DefaultVtl is the VTL queries target when -vtl is not given.
	DefaultVtl uint8 `toml:"default_vtl"`

	// TerminateOnFailure makes validation failures terminate the partition
	// instead of returning an error. Only for boot-critical transitions.
	TerminateOnFailure bool `toml:"terminate_on_failure"`

	// DeviceWait bounds how long to wait for the device node to appear.
	DeviceWait duration `toml:"device_wait"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`
}

func loadConfig(path string) (*config, error) {
	conf := &config{
		Device: pagestate.DefaultDevicePath,
	}
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("decoding %s: %v", path, err)
	}
	if conf.DefaultVtl >= hvdef.NumGuestVtls {
		return nil, fmt.Errorf("default_vtl %d is not a guest VTL", conf.DefaultVtl)
	}
	return conf, nil
}
