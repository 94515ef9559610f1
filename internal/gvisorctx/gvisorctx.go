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

// Package gvisorctx adapts the standard library's context.Context to the
// host toolchain's pkg/context.Context, for embedders like this daemon that
// run outside a sentry task (and so have no natural kernel.Task to supply
// one). internal/ksm is written against pkg/context.Context throughout,
// matching the host mm package's own convention; this is the one place that
// bridges it to ordinary goroutine-scoped cancellation.
package gvisorctx

import (
	"context"

	gcontext "github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/gvisor/pkg/log"
)

// daemonContext is a minimal pkg/context.Context that never tracks
// uninterruptible-sleep state (this daemon has no scheduler to report it
// to) and logs through the package-level logger.
type daemonContext struct {
	context.Context
}

// Background returns a pkg/context.Context with no deadline, suitable for
// the daemon's top-level goroutines.
func Background() gcontext.Context {
	return daemonContext{Context: context.Background()}
}

// WithContext adapts an existing standard-library context, preserving its
// cancellation and deadline.
func WithContext(ctx context.Context) gcontext.Context {
	return daemonContext{Context: ctx}
}

func (daemonContext) Debugf(format string, v ...any)           { log.Debugf(format, v...) }
func (daemonContext) Infof(format string, v ...any)            { log.Infof(format, v...) }
func (daemonContext) Warningf(format string, v ...any)         { log.Warningf(format, v...) }
func (daemonContext) IsLogging(level log.Level) bool           { return log.IsLogging(level) }
func (daemonContext) UninterruptibleSleepStart(deactivate bool) {}
func (daemonContext) UninterruptibleSleepFinish(activate bool)  {}
