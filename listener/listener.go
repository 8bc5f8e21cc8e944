// Copyright 2025 Morgridge Institute for Research
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

// Package listener accepts raw TCP connections and hands each one back as
// an un-handshaken server-role stream channel.
//
// Acceptance stays O(1): no cryptographic work happens in the accept
// loop. The handshake — and with it the zombie-defense window that cuts
// off peers that connect and never speak — runs on the accepting worker's
// first send or receive. A deny set filters unwanted peers by host before any
// channel is built.
package listener

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-securechan/securechan/internal/denyset"
	"github.com/go-securechan/securechan/stream"
)

// Options configures a Listener. Channel carries the per-connection
// options handed to every accepted stream channel.
type Options struct {
	// Channel is applied to every accepted connection.
	Channel stream.Options
	// ReceiveBufferSize, when non-zero, sizes each accepted socket's
	// kernel receive buffer for bursty peers.
	ReceiveBufferSize int
	// Logger receives notable listener events. nil discards them.
	Logger *slog.Logger
}

// Listener accepts raw connections and wraps them as server-role stream
// channels. It is immutable after construction apart from its deny set.
type Listener struct {
	ln     net.Listener
	opts   Options
	deny   *denyset.Set
	logger *slog.Logger
	closed atomic.Bool
}

// Listen binds a TCP listener on address ("host:port", empty host for
// all interfaces).
func Listen(address string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "listener: binding")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{
		ln:     ln,
		opts:   opts,
		deny:   denyset.New(),
		logger: logger,
	}, nil
}

// Accept blocks for the next acceptable connection and returns it wrapped
// as a server-role channel. Denied peers are closed and skipped without
// returning. The handshake has NOT been performed on the returned
// channel; the caller's worker drives it on first I/O.
func (l *Listener) Accept() (*stream.Channel, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, errors.Wrap(err, "listener: accept")
		}

		host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr == nil && l.deny.Contains(host) {
			l.logger.Info("rejected denied peer",
				"destination", "securechan", "peer", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			if !l.opts.Channel.DisableKeepAlive {
				_ = tcp.SetKeepAlive(true)
			}
			if !l.opts.Channel.DisableNoDelay {
				_ = tcp.SetNoDelay(true)
			}
			if l.opts.ReceiveBufferSize > 0 {
				_ = tcp.SetReadBuffer(l.opts.ReceiveBufferSize)
			}
		}

		return stream.NewServerChannel(conn, l.opts.Channel), nil
	}
}

// AddDeny adds a peer host (no port) to the deny set.
func (l *Listener) AddDeny(host string) {
	l.deny.Add(host)
}

// RemoveDeny removes a peer host from the deny set.
func (l *Listener) RemoveDeny(host string) {
	l.deny.Remove(host)
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Idempotent. Channels already accepted are
// unaffected; the listener does not track them.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
