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
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/memrange"
	"github.com/openvmm/cvmcore/pkg/pagestate"
)

// parseRanges parses start-end hex address pairs, refusing overlaps: a
// batch that touches a page twice is always an operator mistake.
func parseRanges(args []string) ([]memrange.MemoryRange, error) {
	seen := memrange.NewSet()
	var ranges []memrange.MemoryRange
	for _, arg := range args {
		start, end, ok := strings.Cut(arg, "-")
		if !ok {
			return nil, fmt.Errorf("range %q is not start-end", arg)
		}
		s, err := strconv.ParseUint(strings.TrimPrefix(start, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("range %q: %v", arg, err)
		}
		e, err := strconv.ParseUint(strings.TrimPrefix(end, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("range %q: %v", arg, err)
		}
		if s%hvdef.PageSize != 0 || e%hvdef.PageSize != 0 || e <= s {
			return nil, fmt.Errorf("range %q is not a page-aligned, non-empty range", arg)
		}
		r := memrange.New(s, e)
		if !seen.Add(r) {
			return nil, fmt.Errorf("range %v overlaps another range in the batch", r)
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no ranges given")
	}
	return ranges, nil
}

// forEachRange opens the device and runs fn over the batch concurrently.
// Each range is an independent kernel call; failures are collected, not
// fate-sharing.
func forEachRange(ctx context.Context, conf *config, args []string, fn func(*pagestate.Device, memrange.MemoryRange) error) subcommands.ExitStatus {
	ranges, err := parseRanges(args)
	if err != nil {
		logrus.WithError(err).Error("bad range arguments")
		return subcommands.ExitUsageError
	}
	dev, err := openDevice(conf)
	if err != nil {
		logrus.WithError(err).Error("opening host VTL driver")
		return subcommands.ExitFailure
	}
	defer dev.Close()

	g, _ := errgroup.WithContext(ctx)
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			return fn(dev, r)
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("page-state transition failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// acceptCmd implements subcommands.Command for "accept".
type acceptCmd struct{}

// Name implements subcommands.Command.Name.
func (*acceptCmd) Name() string { return "accept" }

// Synopsis implements subcommands.Command.Synopsis.
func (*acceptCmd) Synopsis() string { return "validate and accept guest physical page ranges" }

// Usage implements subcommands.Command.Usage.
func (*acceptCmd) Usage() string {
	return "accept <start-end> [<start-end> ...] - accept page ranges (hex addresses)\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*acceptCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*acceptCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	return forEachRange(ctx, conf, f.Args(), func(dev *pagestate.Device, r memrange.MemoryRange) error {
		return dev.PvalidatePages(r, true, conf.TerminateOnFailure)
	})
}

// unacceptCmd implements subcommands.Command for "unaccept".
type unacceptCmd struct{}

// Name implements subcommands.Command.Name.
func (*unacceptCmd) Name() string { return "unaccept" }

// Synopsis implements subcommands.Command.Synopsis.
func (*unacceptCmd) Synopsis() string { return "reverse a prior acceptance of page ranges" }

// Usage implements subcommands.Command.Usage.
func (*unacceptCmd) Usage() string {
	return "unaccept <start-end> [<start-end> ...] - unaccept page ranges (hex addresses)\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*unacceptCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*unacceptCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	return forEachRange(ctx, conf, f.Args(), func(dev *pagestate.Device, r memrange.MemoryRange) error {
		return dev.PvalidatePages(r, false, conf.TerminateOnFailure)
	})
}

// adjustCmd implements subcommands.Command for "adjust".
type adjustCmd struct {
	vmpl  uint
	perms string
}

// Name implements subcommands.Command.Name.
func (*adjustCmd) Name() string { return "adjust" }

// Synopsis implements subcommands.Command.Synopsis.
func (*adjustCmd) Synopsis() string { return "adjust page permissions at a target VMPL" }

// Usage implements subcommands.Command.Usage.
func (*adjustCmd) Usage() string {
	return "adjust [-vmpl N] [-perms rwuk] <start-end> [<start-end> ...] - set RMP permissions\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *adjustCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.vmpl, "vmpl", 2, "target VM privilege level")
	f.StringVar(&c.perms, "perms", "rw", "permissions to grant: any of r, w, u, k")
}

// Execute implements subcommands.Command.Execute.
func (c *adjustCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	value := sev.RmpAdjust(0).WithTargetVmpl(uint8(c.vmpl))
	for _, p := range c.perms {
		switch p {
		case 'r':
			value |= sev.RmpAdjustRead
		case 'w':
			value |= sev.RmpAdjustWrite
		case 'u':
			value |= sev.RmpAdjustUserExecute
		case 'k':
			value |= sev.RmpAdjustKernelExecute
		default:
			logrus.Errorf("unknown permission %q", p)
			return subcommands.ExitUsageError
		}
	}
	return forEachRange(ctx, conf, f.Args(), func(dev *pagestate.Device, r memrange.MemoryRange) error {
		return dev.RmpadjustPages(r, value, conf.TerminateOnFailure)
	})
}

// queryCmd implements subcommands.Command for "query".
type queryCmd struct {
	vtl uint
}

// Name implements subcommands.Command.Name.
func (*queryCmd) Name() string { return "query" }

// Synopsis implements subcommands.Command.Synopsis.
func (*queryCmd) Synopsis() string { return "query a page's current permissions" }

// Usage implements subcommands.Command.Usage.
func (*queryCmd) Usage() string {
	return "query [-vtl N] <gpa> - print the RMP permissions of one page\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *queryCmd) SetFlags(f *flag.FlagSet) {
	c.vtl = uint(^uint(0))
	f.UintVar(&c.vtl, "vtl", c.vtl, "guest VTL to query (defaults to config default_vtl)")
}

// Execute implements subcommands.Command.Execute.
func (c *queryCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	if f.NArg() != 1 {
		logrus.Error("query takes exactly one guest physical address")
		return subcommands.ExitUsageError
	}
	gpa, err := strconv.ParseUint(strings.TrimPrefix(f.Arg(0), "0x"), 16, 64)
	if err != nil {
		logrus.WithError(err).Errorf("bad address %q", f.Arg(0))
		return subcommands.ExitUsageError
	}
	vtl := hvdef.Vtl(conf.DefaultVtl)
	if c.vtl != ^uint(0) {
		vtl = hvdef.Vtl(c.vtl)
	}
	dev, err := openDevice(conf)
	if err != nil {
		logrus.WithError(err).Error("opening host VTL driver")
		return subcommands.ExitFailure
	}
	defer dev.Close()

	fmt.Printf("%#x %v: %v\n", gpa, vtl, dev.RmpqueryPage(gpa, vtl))
	return subcommands.ExitSuccess
}
