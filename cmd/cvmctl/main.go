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

// Binary cvmctl drives confidential-memory page-state transitions against a
// live host VTL driver: accepting, unaccepting, repermissioning, and
// querying guest physical pages.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/openvmm/cvmcore/pkg/pagestate"
)

var (
	configPath = flag.String("config", "", "path to cvmctl.toml; flags override its values")
	device     = flag.String("device", "", "host VTL driver device node")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(acceptCmd), "pages")
	subcommands.Register(new(unacceptCmd), "pages")
	subcommands.Register(new(adjustCmd), "pages")
	subcommands.Register(new(queryCmd), "pages")

	flag.Parse()

	conf, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}
	if *device != "" {
		conf.Device = *device
	}
	if *debug || conf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// openDevice opens the host VTL driver, waiting for the node to appear. The
// driver loads asynchronously during early paravisor boot, so a bounded
// retry is part of normal startup.
func openDevice(conf *config) (*pagestate.Device, error) {
	var dev *pagestate.Device
	op := func() error {
		var err error
		dev, err = pagestate.OpenDevice(conf.Device)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = conf.DeviceWait.Duration
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return dev, nil
}
