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

// Package frame implements the length-prefixed wire framing shared by the
// stream channel and the handshake: a 4-byte big-endian unsigned length
// followed by that many payload bytes.
//
// The codec is deliberately free of locking and buffering policy; callers
// hold their own write mutex around Write plus the following flush so that
// concurrent senders never interleave frames on the wire.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
)

// HeaderSize is the length in bytes of the frame header.
const HeaderSize = 4

// DefaultMaxSize is the default cap on a single frame's payload (64 MiB).
const DefaultMaxSize = 64 << 20

var (
	// ErrFrameTooLarge is returned when a frame's length, on either the
	// send or the receive side, exceeds the configured maximum. On
	// receive the check happens before the body is allocated.
	ErrFrameTooLarge = errors.New("frame: length exceeds configured maximum")
	// ErrTruncated is returned when the stream ends or times out after a
	// frame header has been observed but before the full body arrived.
	// This is fatal stream corruption.
	ErrTruncated = errors.New("frame: short read after header")
	// ErrPeerClosed is returned on a clean end-of-stream before any byte
	// of a frame header has been read. This is a non-fatal termination.
	ErrPeerClosed = errors.New("frame: peer closed before header")
)

// Write emits a single frame to w: the 4-byte big-endian length followed
// by the payload bytes. It returns the total number of bytes written
// (HeaderSize + len(payload)). The caller must hold its write mutex across
// Write and any buffered flush so that frames from concurrent senders
// never interleave.
func Write(w io.Writer, payload []byte, maxSize uint32) (int, error) {
	if uint64(len(payload)) > uint64(maxSize) {
		return 0, errors.Wrap(ErrFrameTooLarge,
			fmt.Sprintf("payload is %d bytes, max %d", len(payload), maxSize))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return 0, errors.Wrap(err, "frame: writing header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return 0, errors.Wrap(err, "frame: writing payload")
		}
	}
	return HeaderSize + len(payload), nil
}

// Read consumes a single frame from r and returns its payload. The length
// is validated against maxSize before the body is allocated, so a hostile
// header can never force an oversized allocation.
//
// Error contract:
//   - clean EOF before any header byte: ErrPeerClosed
//   - timeout before any header byte: the timeout error itself, unwrapped
//     enough that net.Error still matches — the caller may retry
//   - end-of-stream or timeout after the first header byte, or any
//     failure while reading the body: ErrTruncated (a timeout mid-frame
//     is stream corruption, not a recoverable wait)
//   - header length above maxSize: ErrFrameTooLarge
func Read(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if n == 0 {
			if errors.Is(err, io.EOF) {
				return nil, ErrPeerClosed
			}
			if IsTimeout(err) {
				return nil, err
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || IsTimeout(err) {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		return nil, errors.Wrap(err, "frame: reading header")
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, errors.Wrap(ErrFrameTooLarge,
			fmt.Sprintf("header announces %d bytes, max %d", length, maxSize))
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}
	return payload, nil
}

// IsTimeout reports whether err is a network timeout, as opposed to a
// closed or reset connection.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
