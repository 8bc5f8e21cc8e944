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

// Package datagram provides the best-effort encrypted packet channel over
// an unconnected UDP socket.
//
// Each UDP payload is exactly one authenticated-encryption envelope; the
// datagram boundary is the frame, so there is no length prefix. Packet
// loss and reordering are the caller's problem — there are no acks and no
// retries.
//
// The handshake triggers automatically: the first send with a target
// address makes the channel the client, the first receive makes it the
// server. The source address of each received packet becomes the peer
// for subsequent sends that omit a target.
package datagram

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/go-securechan/securechan/envelope"
	"github.com/go-securechan/securechan/handshake"
)

const (
	// MaxUDPPayload is the largest UDP payload this channel will send or
	// expect (the IPv4 theoretical maximum).
	MaxUDPPayload = 65507

	// MaxPlaintext is the largest plaintext message that fits in one
	// packet after envelope overhead.
	MaxPlaintext = MaxUDPPayload - envelope.NonceSize - envelope.TagSize

	// StopString is the in-band plaintext that encodes a nil string
	// message, shared with the stream channel.
	StopString = "\u0004"

	// StopByte is the in-band plaintext byte that encodes a nil byte
	// message.
	StopByte byte = 0x04
)

var (
	// ErrNoPeer is returned by a targetless send before any peer address
	// has been learned.
	ErrNoPeer = errors.New("datagram: no peer address learned")
	// ErrPacketTooLarge is returned when a payload exceeds the
	// configured maximum UDP payload.
	ErrPacketTooLarge = errors.New("datagram: payload exceeds maximum packet size")
	// ErrChannelClosed is returned for operations on a closed channel.
	ErrChannelClosed = errors.New("datagram: channel closed")
	// ErrTampered is returned when a received packet's authentication
	// tag does not verify. The packet is dropped; unlike the stream
	// channel the failure is not fatal, since any off-path attacker can
	// inject garbage UDP.
	ErrTampered = errors.New("datagram: packet authentication failed")
)

// Options configures a datagram Channel. The zero value gives the
// defaults.
type Options struct {
	// PSK, when set, authenticates the handshake's public-key payloads.
	PSK []byte
	// MaxPayload caps a single packet. 0 means MaxUDPPayload.
	MaxPayload int
	// ReadTimeout bounds each receive. 0 blocks indefinitely.
	ReadTimeout time.Duration
	// Logger receives notable channel events. nil discards them.
	Logger *slog.Logger
}

func (o Options) normalized() Options {
	if o.MaxPayload == 0 {
		o.MaxPayload = MaxUDPPayload
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Channel is a secure best-effort packet channel. It owns the underlying
// socket and releases it on Close.
type Channel struct {
	sock   *net.UDPConn
	opts   Options
	logger *slog.Logger

	// handshakeMu serializes the role decision and the key exchange.
	handshakeMu sync.Mutex

	role  atomic.Int32
	state atomic.Int32

	// env is written once, under handshakeMu, before state moves to
	// Established; read-only afterwards.
	env *envelope.Envelope

	peerMu sync.RWMutex
	peer   *net.UDPAddr

	closed atomic.Bool
}

// NewChannel wraps an unconnected UDP socket. The socket must not have
// been connected with DialUDP — sends address each packet explicitly so
// the peer can be learned from inbound traffic.
func NewChannel(sock *net.UDPConn, opts Options) *Channel {
	opts = opts.normalized()
	return &Channel{
		sock:   sock,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Listen binds a UDP socket on address ("host:port", empty host for all
// interfaces) and wraps it in a Channel.
func Listen(address string, opts Options) (*Channel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "datagram: resolving address")
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "datagram: binding socket")
	}
	return NewChannel(sock, opts), nil
}

// ensureEstablished drives the lazy handshake. A non-nil target makes
// this side the client (it initiates); a nil target makes it the server
// (it waits for the client's key packet, learning the peer address from
// it).
func (c *Channel) ensureEstablished(target *net.UDPAddr) error {
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
	if handshake.Role(c.role.Load()) == handshake.RoleUnset {
		if target != nil {
			c.role.Store(int32(handshake.RoleClient))
			c.setPeer(target)
		} else {
			c.role.Store(int32(handshake.RoleServer))
		}
	}
	role := handshake.Role(c.role.Load())
	c.state.Store(int32(handshake.StateHandshaking))

	send := func(payload []byte) error {
		peer := c.Peer()
		if peer == nil {
			return ErrNoPeer
		}
		_, err := c.sendRaw(payload, peer)
		return err
	}
	receive := func() ([]byte, error) {
		payload, _, err := c.receiveRaw()
		return payload, err
	}

	var key []byte
	var err error
	if role == handshake.RoleClient {
		key, err = handshake.ExchangeInitiator(c.opts.PSK, handshake.DatagramInfo, send, receive)
	} else {
		key, err = handshake.ExchangeResponder(c.opts.PSK, handshake.DatagramInfo, send, receive)
	}
	if err != nil {
		// Back to Init so a later operation may retry; UDP handshake
		// packets are as lossy as everything else here.
		c.state.Store(int32(handshake.StateInit))
		c.logger.Warn("handshake failed",
			"destination", "securechan", "role", role.String(), "err", err)
		return err
	}
	env, err := envelope.New(key)
	if err != nil {
		c.state.Store(int32(handshake.StateInit))
		return errors.Wrap(handshake.ErrHandshakeFailed, err.Error())
	}
	c.env = env
	c.state.Store(int32(handshake.StateEstablished))
	c.logger.Debug("handshake complete",
		"destination", "securechan", "role", role.String(), "peer", c.Peer().String())
	return nil
}

// sendRaw transmits one packet to addr.
func (c *Channel) sendRaw(payload []byte, addr *net.UDPAddr) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	if len(payload) > c.opts.MaxPayload {
		return 0, errors.Wrap(ErrPacketTooLarge,
			fmt.Sprintf("payload is %d bytes, max %d", len(payload), c.opts.MaxPayload))
	}
	n, err := c.sock.WriteToUDP(payload, addr)
	if err != nil {
		return 0, errors.Wrap(err, "datagram: sending packet")
	}
	return n, nil
}

// receiveRaw blocks for one packet and records its source as the peer.
func (c *Channel) receiveRaw() ([]byte, *net.UDPAddr, error) {
	if c.closed.Load() {
		return nil, nil, ErrChannelClosed
	}
	if d := c.opts.ReadTimeout; d > 0 {
		_ = c.sock.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = c.sock.SetReadDeadline(time.Time{}) }()
	}
	buf := make([]byte, c.opts.MaxPayload)
	n, addr, err := c.sock.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "datagram: receiving packet")
	}
	c.setPeer(addr)
	return buf[:n], addr, nil
}

func (c *Channel) setPeer(addr *net.UDPAddr) {
	c.peerMu.Lock()
	c.peer = addr
	c.peerMu.Unlock()
}

// Peer returns the learned (or configured) peer address, or nil if no
// packet has been observed and no target was ever given.
func (c *Channel) Peer() *net.UDPAddr {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peer
}

// Role returns the channel's role, RoleUnset before the first operation.
func (c *Channel) Role() handshake.Role {
	return handshake.Role(c.role.Load())
}

// State returns the channel's lifecycle state.
func (c *Channel) State() handshake.State {
	return handshake.State(c.state.Load())
}

// LocalAddr returns the socket's local address.
func (c *Channel) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Close releases the socket. Idempotent.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.state.Store(int32(handshake.StateClosing))
	err := c.sock.Close()
	c.state.Store(int32(handshake.StateClosed))
	return err
}
