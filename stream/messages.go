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

package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/go-securechan/securechan/handshake"
)

// SendString transmits a UTF-8 string message. A nil msg is encoded as
// the in-band StopString sentinel and surfaces as nil at the receiver.
//
// The return value is the number of bytes put on the wire, or -1 when the
// connection has broken — broken-channel sends are silent no-ops, not
// errors, so a producer loop can keep draining without special-casing a
// dead peer.
func (c *Channel) SendString(ctx context.Context, msg *string) (int, error) {
	if msg == nil {
		return c.sendEncrypted(ctx, []byte(StopString))
	}
	return c.sendEncrypted(ctx, []byte(*msg))
}

// ReceiveString blocks for the next string message. It returns nil
// (without error) for the StopString sentinel and for a broken
// connection — both are end-of-stream from the caller's point of view.
func (c *Channel) ReceiveString(ctx context.Context) (*string, error) {
	plain, err := c.receiveEncrypted(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionBroken) {
			return nil, nil
		}
		return nil, err
	}
	if isStopPayload(plain) {
		return nil, nil
	}
	s := string(plain)
	return &s, nil
}

// SendBytes transmits a byte message. A nil slice is encoded as the
// single StopByte sentinel and surfaces as nil at the receiver. An empty
// non-nil slice round-trips as an empty message.
func (c *Channel) SendBytes(ctx context.Context, data []byte) (int, error) {
	if data == nil {
		return c.sendEncrypted(ctx, []byte{StopByte})
	}
	return c.sendEncrypted(ctx, data)
}

// ReceiveBytes blocks for the next byte message. It returns nil (without
// error) for the StopByte sentinel and for a broken connection.
func (c *Channel) ReceiveBytes(ctx context.Context) ([]byte, error) {
	plain, err := c.receiveEncrypted(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionBroken) {
			return nil, nil
		}
		return nil, err
	}
	if isStopPayload(plain) {
		return nil, nil
	}
	if plain == nil {
		// An empty message decrypts to nil; keep it distinct from the
		// sentinel's nil.
		plain = []byte{}
	}
	return plain, nil
}

// SendInt32 transmits a 32-bit integer as 4 big-endian bytes inside an
// envelope.
func (c *Channel) SendInt32(ctx context.Context, value int32) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(value))
	return c.sendEncrypted(ctx, buf[:])
}

// ReceiveInt32 blocks for the next integer message. On a broken
// connection it returns -1 without error, mirroring the send-side
// no-bytes marker.
func (c *Channel) ReceiveInt32(ctx context.Context) (int32, error) {
	plain, err := c.receiveEncrypted(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionBroken) {
			return -1, nil
		}
		return -1, err
	}
	if len(plain) != 4 {
		return -1, fmt.Errorf("stream: invalid int32 payload: expected 4 bytes, got %d", len(plain))
	}
	return int32(binary.BigEndian.Uint32(plain)), nil
}

// sendEncrypted runs the lazy handshake if needed, seals plain into an
// envelope, and writes it as one frame. Broken-channel sends return
// (-1, nil).
func (c *Channel) sendEncrypted(ctx context.Context, plain []byte) (int, error) {
	if c.broken.Load() {
		return -1, nil
	}
	if c.closed.Load() {
		return -1, ErrChannelClosed
	}
	if err := c.ensureEstablished(ctx, handshake.RoleClient); err != nil {
		return -1, err
	}
	sealed, err := c.env.Encrypt(plain)
	if err != nil {
		return -1, err
	}
	n, err := c.sendRaw(ctx, sealed)
	if err != nil {
		if errors.Is(err, ErrConnectionBroken) {
			return -1, nil
		}
		return n, err
	}
	return n, nil
}

// receiveEncrypted runs the lazy handshake if needed, extracts one frame,
// and opens its envelope. A tag mismatch is fatal tampering: the channel
// is closed and ErrTampered returned.
func (c *Channel) receiveEncrypted(ctx context.Context) ([]byte, error) {
	if c.broken.Load() {
		return nil, ErrConnectionBroken
	}
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	if err := c.ensureEstablished(ctx, handshake.RoleServer); err != nil {
		return nil, err
	}
	if d := c.Timeout(); d > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	data, err := c.receiveRaw(ctx)
	if err != nil {
		return nil, err
	}
	plain, err := c.env.Decrypt(data)
	if err != nil {
		c.markBroken()
		return nil, errors.Wrap(ErrTampered, err.Error())
	}
	return plain, nil
}

// isStopPayload reports whether a decrypted payload is the shared
// end-of-stream sentinel: the single byte 0x04, which is also the UTF-8
// encoding of StopString.
func isStopPayload(plain []byte) bool {
	return len(plain) == 1 && plain[0] == StopByte
}
