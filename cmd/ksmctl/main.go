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

// Binary ksmctl is the administrative CLI for a running ksmd, talking to
// its control surface over the same abstract unix socket protocol the
// daemon serves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/wilinz/ksmd/internal/control"
)

var controlAddr = flag.String("control_addr", "\x00ksmd.ctrl", "abstract unix socket address of a running ksmd's control surface")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&statusCmd{}, "")
	subcommands.Register(&setCmd{}, "")
	subcommands.Register(&unmergeCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

type statusCmd struct{}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "print the engine's current mode, knobs and counters" }
func (*statusCmd) Usage() string    { return "status\n" }
func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	c, err := control.Dial(*controlAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ksmctl:", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ksmctl:", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("run             %s\n", st.Run)
	fmt.Printf("sleep_millisecs %d\n", st.SleepMillisecs)
	fmt.Printf("pages_to_scan   %d\n", st.PagesToScan)
	fmt.Printf("max_kernel_pages %d\n", st.MaxKernelPages)
	fmt.Printf("pages_shared    %d\n", st.PagesShared)
	fmt.Printf("pages_sharing   %d\n", st.PagesSharing)
	fmt.Printf("pages_unshared  %d\n", st.PagesUnshared)
	fmt.Printf("pages_volatile  %d\n", st.PagesVolatile)
	fmt.Printf("full_scans      %d\n", st.FullScans)
	return subcommands.ExitSuccess
}

type setCmd struct {
	sleepMillisecs int64
	pagesToScan    int64
	maxKernelPages int64
}

func (*setCmd) Name() string     { return "set" }
func (*setCmd) Synopsis() string { return "write one or more numeric knobs" }
func (*setCmd) Usage() string {
	return "set [-sleep_millisecs N] [-pages_to_scan N] [-max_kernel_pages N]\n"
}

func (s *setCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&s.sleepMillisecs, "sleep_millisecs", -1, "new sleep_millisecs value (unset if negative)")
	f.Int64Var(&s.pagesToScan, "pages_to_scan", -1, "new pages_to_scan value (unset if negative)")
	f.Int64Var(&s.maxKernelPages, "max_kernel_pages", -1, "new max_kernel_pages value (unset if negative)")
}

func (s *setCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	c, err := control.Dial(*controlAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ksmctl:", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	if s.sleepMillisecs >= 0 {
		if err := c.SetSleepMillisecs(uint64(s.sleepMillisecs)); err != nil {
			fmt.Fprintln(os.Stderr, "ksmctl: set sleep_millisecs:", err)
			return subcommands.ExitFailure
		}
	}
	if s.pagesToScan >= 0 {
		if err := c.SetPagesToScan(uint64(s.pagesToScan)); err != nil {
			fmt.Fprintln(os.Stderr, "ksmctl: set pages_to_scan:", err)
			return subcommands.ExitFailure
		}
	}
	if s.maxKernelPages >= 0 {
		if err := c.SetMaxKernelPages(uint64(s.maxKernelPages)); err != nil {
			fmt.Fprintln(os.Stderr, "ksmctl: set max_kernel_pages:", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

type unmergeCmd struct{}

func (*unmergeCmd) Name() string     { return "unmerge" }
func (*unmergeCmd) Synopsis() string { return "force a synchronous full unmerge; the engine then stays idle in unmerge mode" }
func (*unmergeCmd) Usage() string    { return "unmerge\n" }
func (*unmergeCmd) SetFlags(*flag.FlagSet) {}

func (*unmergeCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	c, err := control.Dial(*controlAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ksmctl:", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	if err := c.SetRun("unmerge"); err != nil {
		fmt.Fprintln(os.Stderr, "ksmctl: unmerge:", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
