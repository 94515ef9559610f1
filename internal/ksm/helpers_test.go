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

package ksm

import (
	"io"

	"github.com/sirupsen/logrus"
	gcontext "github.com/wilinz/gvisor/pkg/context"
	"github.com/wilinz/ksmd/internal/gvisorctx"
)

// testCtx returns the background pkg/context.Context every test in this
// package drives the engine with.
func testCtx() gcontext.Context {
	return gvisorctx.Background()
}

// testLogger returns a logrus entry that discards output, so test runs
// stay quiet unless a test explicitly inspects log output.
func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
