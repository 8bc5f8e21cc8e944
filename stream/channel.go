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

// Package stream provides the reliable, ordered, bidirectional encrypted
// message channel over a connected byte stream (normally TCP).
//
// A Channel performs its key-agreement handshake lazily: the side that
// first sends becomes the client, the side that first receives becomes
// the server, and either operation blocks until the exchange resolves.
// After establishment every message travels as one length-prefixed frame
// whose payload is an authenticated-encryption envelope.
//
// Concurrency follows a three-mutex discipline: a handshake mutex taken
// once, a write mutex held for the duration of one outbound frame, and a
// read mutex held for the duration of one inbound frame. Concurrent
// senders never interleave frames; concurrent receivers obtain distinct
// whole frames.
package stream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/go-securechan/securechan/envelope"
	"github.com/go-securechan/securechan/frame"
	"github.com/go-securechan/securechan/handshake"
)

const (
	// DefaultBufferSize is the default size of the internal read and
	// write buffers (32 KiB).
	DefaultBufferSize = 32 << 10

	// DefaultZombieDefenseTimeout bounds the server-side handshake
	// window. A peer that connects and never completes the exchange is
	// cut off after this long.
	DefaultZombieDefenseTimeout = 1000 * time.Millisecond

	// StopString is the in-band plaintext that encodes a nil string
	// message. A received message equal to it is surfaced as nil.
	StopString = "\u0004"

	// StopByte is the in-band plaintext byte that encodes a nil byte
	// message.
	StopByte byte = 0x04
)

var (
	// ErrConnectionBroken canonicalizes the OS-level pipe/reset/closed
	// error family. After the first occurrence the channel is marked
	// broken: sends become no-ops returning -1 and receives return
	// end-of-stream values.
	ErrConnectionBroken = errors.New("stream: connection broken")
	// ErrChannelClosed is returned for operations on a channel that was
	// explicitly closed.
	ErrChannelClosed = errors.New("stream: channel closed")
	// ErrTampered is returned when an established channel receives an
	// envelope whose authentication tag does not verify. The channel is
	// closed; the peer (or a middlebox) modified the ciphertext.
	ErrTampered = errors.New("stream: message authentication failed, possible tampering")
)

// Options configures a Channel. The zero value gives the defaults; an
// Options is immutable once handed to a constructor.
type Options struct {
	// MaxFrameSize caps the length of a single frame in either
	// direction. 0 means frame.DefaultMaxSize (64 MiB).
	MaxFrameSize uint32
	// ZombieDefenseTimeout bounds the server-side handshake window.
	// 0 means DefaultZombieDefenseTimeout.
	ZombieDefenseTimeout time.Duration
	// BufferSize sizes the internal read/write buffers. 0 means
	// DefaultBufferSize.
	BufferSize int
	// ReadTimeout is the initial per-receive timeout. 0 means block
	// indefinitely. Adjustable later via SetTimeout.
	ReadTimeout time.Duration
	// PSK, when set, authenticates the handshake's public-key payloads
	// with HMAC-SHA256. Without it the handshake is vulnerable to an
	// active man-in-the-middle.
	PSK []byte
	// DisableKeepAlive turns TCP keep-alive off on dialed connections.
	DisableKeepAlive bool
	// DisableNoDelay re-enables Nagle's algorithm on dialed connections.
	DisableNoDelay bool
	// Logger receives notable channel events. nil discards them.
	Logger *slog.Logger
}

func (o Options) normalized() Options {
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = frame.DefaultMaxSize
	}
	if o.ZombieDefenseTimeout == 0 {
		o.ZombieDefenseTimeout = DefaultZombieDefenseTimeout
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Channel is a secure message channel over a connected byte stream. It
// owns the underlying connection and releases it on Close.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	opts   Options
	logger *slog.Logger

	peerAddr string

	handshakeMu sync.Mutex
	writeMu     sync.Mutex
	readMu      sync.Mutex

	role  atomic.Int32
	state atomic.Int32

	// env is written once, under handshakeMu, before state moves to
	// Established; read-only afterwards.
	env *envelope.Envelope

	broken atomic.Bool
	closed atomic.Bool

	readTimeout atomic.Int64

	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	framesSent     atomic.Int64
	framesReceived atomic.Int64
}

// NewChannel wraps an already-connected stream. The channel's role is
// decided by its first I/O operation: a first send makes it the client, a
// first receive the server.
func NewChannel(conn net.Conn, opts Options) *Channel {
	opts = opts.normalized()
	peerAddr := ""
	if conn != nil && conn.RemoteAddr() != nil {
		peerAddr = conn.RemoteAddr().String()
	}
	c := &Channel{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, opts.BufferSize),
		writer:   bufio.NewWriterSize(conn, opts.BufferSize),
		opts:     opts,
		logger:   opts.Logger,
		peerAddr: peerAddr,
	}
	c.readTimeout.Store(int64(opts.ReadTimeout))
	return c
}

// NewServerChannel wraps an accepted connection with the role fixed to
// server. The handshake is still lazy; the listener returns without
// performing it so the accept loop stays O(1).
func NewServerChannel(conn net.Conn, opts Options) *Channel {
	c := NewChannel(conn, opts)
	c.role.Store(int32(handshake.RoleServer))
	return c
}

// Dial connects to address over TCP and returns a channel with the role
// fixed to client. Keep-alive and TCP_NODELAY are enabled unless the
// options disable them. The handshake runs on the first I/O operation.
func Dial(ctx context.Context, address string, opts Options) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "stream: dialing")
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if !opts.DisableKeepAlive {
			_ = tcp.SetKeepAlive(true)
		}
		if !opts.DisableNoDelay {
			_ = tcp.SetNoDelay(true)
		}
	}
	c := NewChannel(conn, opts)
	c.role.Store(int32(handshake.RoleClient))
	return c, nil
}

// ensureEstablished drives the lazy handshake. The first caller fixes the
// role (if still unset) and runs the exchange while holding the handshake
// mutex; concurrent operations block here until it resolves or fails.
func (c *Channel) ensureEstablished(ctx context.Context, trigger handshake.Role) error {
	if handshake.State(c.state.Load()) == handshake.StateEstablished {
		return nil
	}
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if handshake.State(c.state.Load()) == handshake.StateEstablished {
		return nil
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.role.CompareAndSwap(int32(handshake.RoleUnset), int32(trigger))
	role := handshake.Role(c.role.Load())
	c.state.Store(int32(handshake.StateHandshaking))

	send := func(payload []byte) error {
		_, err := c.sendRaw(ctx, payload)
		return err
	}
	receive := func() ([]byte, error) {
		return c.receiveRaw(ctx)
	}

	var key []byte
	var err error
	if role == handshake.RoleServer {
		// Zombie defense: bound the whole exchange so a peer that
		// connects and never speaks cannot pin a worker.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ZombieDefenseTimeout))
		key, err = handshake.ExchangeInitiator(c.opts.PSK, handshake.StreamInfo, send, receive)
	} else {
		// Client side inherits the caller's configured timeout.
		if d := c.Timeout(); d > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(d))
		}
		key, err = handshake.ExchangeResponder(c.opts.PSK, handshake.StreamInfo, send, receive)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	if err != nil {
		c.logger.Warn("handshake failed",
			"destination", "securechan", "role", role.String(), "peer", c.peerAddr, "err", err)
		_ = c.Close()
		return err
	}
	env, err := envelope.New(key)
	if err != nil {
		_ = c.Close()
		return errors.Wrap(handshake.ErrHandshakeFailed, err.Error())
	}
	c.env = env
	c.state.Store(int32(handshake.StateEstablished))
	c.logger.Debug("handshake complete",
		"destination", "securechan", "role", role.String(), "peer", c.peerAddr)
	return nil
}

// sendRaw frames and flushes one unencrypted payload under the write
// mutex. The header and payload are emitted inside a single mutex scope
// so concurrent senders cannot interleave frames. Any write failure marks
// the channel broken: a partial frame on the wire is unrecoverable.
func (c *Channel) sendRaw(ctx context.Context, payload []byte) (int, error) {
	if c.broken.Load() {
		return -1, ErrConnectionBroken
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	type writeResult struct {
		n   int
		err error
	}
	done := make(chan writeResult, 1)
	go func() {
		n, err := frame.Write(c.writer, payload, c.opts.MaxFrameSize)
		if err == nil {
			err = c.writer.Flush()
		}
		done <- writeResult{n: n, err: err}
	}()

	var n int
	var err error
	select {
	case <-ctx.Done():
		// Close the connection to interrupt the write, then wait for
		// the goroutine so the buffer is not touched concurrently.
		_ = c.conn.Close()
		<-done
		return 0, ctx.Err()
	case result := <-done:
		n, err = result.n, result.err
	}

	if err != nil {
		if errors.Is(err, frame.ErrFrameTooLarge) {
			// Rejected before anything hit the wire.
			return 0, err
		}
		c.markBroken()
		if isBrokenPipe(err) {
			return -1, errors.Wrap(ErrConnectionBroken, err.Error())
		}
		return -1, err
	}
	c.bytesSent.Add(int64(n))
	c.framesSent.Add(1)
	return n, nil
}

// receiveRaw extracts one whole frame under the read mutex and maps
// transport failures onto the channel's error taxonomy.
func (c *Channel) receiveRaw(ctx context.Context) ([]byte, error) {
	if c.broken.Load() {
		return nil, ErrConnectionBroken
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	type readResult struct {
		payload []byte
		err     error
	}
	done := make(chan readResult, 1)
	go func() {
		payload, err := frame.Read(c.reader, c.opts.MaxFrameSize)
		done <- readResult{payload: payload, err: err}
	}()

	var payload []byte
	var err error
	select {
	case <-ctx.Done():
		_ = c.conn.Close()
		<-done
		return nil, ctx.Err()
	case result := <-done:
		payload, err = result.payload, result.err
	}

	if err != nil {
		switch {
		case errors.Is(err, frame.ErrPeerClosed):
			// Clean end-of-stream: report and close, not broken.
			_ = c.Close()
			return nil, err
		case errors.Is(err, frame.ErrTruncated), errors.Is(err, frame.ErrFrameTooLarge):
			c.markBroken()
			return nil, err
		case frame.IsTimeout(err):
			// Nothing of a frame was consumed; the caller may retry.
			return nil, err
		case isBrokenPipe(err):
			c.markBroken()
			return nil, errors.Wrap(ErrConnectionBroken, err.Error())
		default:
			c.markBroken()
			return nil, err
		}
	}
	c.bytesReceived.Add(int64(frame.HeaderSize + len(payload)))
	c.framesReceived.Add(1)
	return payload, nil
}

// markBroken latches the broken flag and silently releases the
// connection. The flag never clears.
func (c *Channel) markBroken() {
	if c.broken.CompareAndSwap(false, true) {
		c.logger.Warn("connection broken",
			"destination", "securechan", "peer", c.peerAddr)
		_ = c.Close()
	}
}

// Close releases the underlying connection. It is idempotent; the first
// caller wins the compare-and-set and later calls are no-ops.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.state.Store(int32(handshake.StateClosing))
	err := c.conn.Close()
	c.state.Store(int32(handshake.StateClosed))
	return err
}

// SetTimeout adjusts the per-receive timeout. 0 blocks indefinitely. The
// deadline is applied before each receive and cleared afterwards.
func (c *Channel) SetTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
}

// Timeout returns the current per-receive timeout.
func (c *Channel) Timeout() time.Duration {
	return time.Duration(c.readTimeout.Load())
}

// Role returns the channel's role. RoleUnset until the first I/O on a
// channel constructed with NewChannel.
func (c *Channel) Role() handshake.Role {
	return handshake.Role(c.role.Load())
}

// State returns the channel's lifecycle state.
func (c *Channel) State() handshake.State {
	return handshake.State(c.state.Load())
}

// IsBroken reports whether the connection has been marked broken.
func (c *Channel) IsBroken() bool {
	return c.broken.Load()
}

// IsClosed reports whether Close has been called (explicitly or as a
// consequence of a fatal error).
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// PeerAddr returns the remote address of the connection.
func (c *Channel) PeerAddr() string {
	return c.peerAddr
}

// LocalAddr returns the local address of the connection.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// BytesSent returns the number of bytes put on the wire, headers
// included.
func (c *Channel) BytesSent() int64 { return c.bytesSent.Load() }

// BytesReceived returns the number of bytes taken off the wire, headers
// included.
func (c *Channel) BytesReceived() int64 { return c.bytesReceived.Load() }

// FramesSent returns the number of whole frames written.
func (c *Channel) FramesSent() int64 { return c.framesSent.Load() }

// FramesReceived returns the number of whole frames read.
func (c *Channel) FramesReceived() int64 { return c.framesReceived.Load() }
