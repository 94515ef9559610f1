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

package control

import (
	"fmt"

	"github.com/wilinz/gvisor/pkg/unet"
	"github.com/wilinz/gvisor/pkg/urpc"
)

// Client wraps a urpc connection to a running ksmd's control socket.
type Client struct {
	sock *unet.Socket
	rpc  *urpc.Client
}

// Dial connects to the abstract unix socket addr, the same address a ksmd
// instance was configured to serve its control surface on.
func Dial(addr string) (*Client, error) {
	sock, err := unet.Connect(addr, false)
	if err != nil {
		return nil, fmt.Errorf("control: connect %s: %w", addr, err)
	}
	return &Client{sock: sock, rpc: urpc.NewClient(sock)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.sock.Close()
}

// Status fetches the full engine snapshot.
func (c *Client) Status() (Status, error) {
	var out Status
	if err := c.rpc.Call("Ksm.GetStatus", StatusArgs{}, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// SetRun writes the `run` knob, blocking until a synchronous unmerge
// completes if mode is "unmerge".
func (c *Client) SetRun(mode string) error {
	return c.rpc.Call("Ksm.SetRun", SetRunArgs{Mode: mode}, nil)
}

// SetSleepMillisecs writes the sleep_millisecs knob.
func (c *Client) SetSleepMillisecs(v uint64) error {
	return c.rpc.Call("Ksm.SetSleepMillisecs", SetSleepMillisecsArgs{Value: v}, nil)
}

// SetPagesToScan writes the pages_to_scan knob.
func (c *Client) SetPagesToScan(v uint64) error {
	return c.rpc.Call("Ksm.SetPagesToScan", SetPagesToScanArgs{Value: v}, nil)
}

// SetMaxKernelPages writes the max_kernel_pages knob.
func (c *Client) SetMaxKernelPages(v uint64) error {
	return c.rpc.Call("Ksm.SetMaxKernelPages", SetMaxKernelPagesArgs{Value: v}, nil)
}
