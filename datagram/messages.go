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

package datagram

import (
	"net"

	"github.com/pkg/errors"
)

// SendStringTo transmits a string message to addr, running the handshake
// first if this is the channel's first operation. A nil msg is encoded as
// the StopString sentinel. Returns the packet size sent.
func (c *Channel) SendStringTo(msg *string, addr *net.UDPAddr) (int, error) {
	plain := []byte(StopString)
	if msg != nil {
		plain = []byte(*msg)
	}
	return c.sendEncrypted(plain, addr)
}

// SendString transmits a string message to the learned peer address.
func (c *Channel) SendString(msg *string) (int, error) {
	return c.SendStringTo(msg, nil)
}

// SendBytesTo transmits a byte message to addr. A nil slice is encoded as
// the StopByte sentinel.
func (c *Channel) SendBytesTo(data []byte, addr *net.UDPAddr) (int, error) {
	plain := data
	if plain == nil {
		plain = []byte{StopByte}
	}
	return c.sendEncrypted(plain, addr)
}

// SendBytes transmits a byte message to the learned peer address.
func (c *Channel) SendBytes(data []byte) (int, error) {
	return c.SendBytesTo(data, nil)
}

// ReceiveString blocks for the next string packet. The StopString
// sentinel surfaces as nil.
func (c *Channel) ReceiveString() (*string, error) {
	plain, err := c.receiveEncrypted()
	if err != nil {
		return nil, err
	}
	if isStopPayload(plain) {
		return nil, nil
	}
	s := string(plain)
	return &s, nil
}

// ReceiveBytes blocks for the next byte packet. The StopByte sentinel
// surfaces as nil.
func (c *Channel) ReceiveBytes() ([]byte, error) {
	plain, err := c.receiveEncrypted()
	if err != nil {
		return nil, err
	}
	if isStopPayload(plain) {
		return nil, nil
	}
	return plain, nil
}

// sendEncrypted seals plain and transmits it as one packet. A nil addr
// targets the learned peer; providing one on the channel's first
// operation fixes the role to client and triggers the handshake.
func (c *Channel) sendEncrypted(plain []byte, addr *net.UDPAddr) (int, error) {
	if len(plain) > MaxPlaintext {
		return 0, errors.Wrap(ErrPacketTooLarge, "plaintext does not fit one packet")
	}
	if addr == nil && c.Peer() == nil {
		return 0, ErrNoPeer
	}
	if err := c.ensureEstablished(addr); err != nil {
		return 0, err
	}
	target := addr
	if target == nil {
		target = c.Peer()
		if target == nil {
			return 0, ErrNoPeer
		}
	}
	sealed, err := c.env.Encrypt(plain)
	if err != nil {
		return 0, err
	}
	return c.sendRaw(sealed, target)
}

// receiveEncrypted blocks for one packet and opens its envelope. A packet
// that fails authentication is reported as ErrTampered but does not close
// the channel.
func (c *Channel) receiveEncrypted() ([]byte, error) {
	if err := c.ensureEstablished(nil); err != nil {
		return nil, err
	}
	sealed, _, err := c.receiveRaw()
	if err != nil {
		return nil, err
	}
	plain, err := c.env.Decrypt(sealed)
	if err != nil {
		return nil, errors.Wrap(ErrTampered, err.Error())
	}
	return plain, nil
}

func isStopPayload(plain []byte) bool {
	return len(plain) == 1 && plain[0] == StopByte
}
