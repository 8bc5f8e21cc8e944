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
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/go-securechan/securechan/security"
)

const (
	// fileChunkSize is the message size used for file transfer.
	fileChunkSize = 64 << 10
	// fileEndMarker terminates a file transfer.
	fileEndMarker = 666
)

// SendSecret transmits a short secret string. The value travels
// null-terminated inside an ordinary envelope; unlike SendString there is
// no nil sentinel, a secret is always a concrete value.
func (c *Channel) SendSecret(ctx context.Context, secret string) error {
	_, err := c.sendEncrypted(ctx, append([]byte(secret), 0))
	return err
}

// ReceiveSecret blocks for the next secret string and strips its null
// terminator.
func (c *Channel) ReceiveSecret(ctx context.Context) (string, error) {
	plain, err := c.receiveEncrypted(ctx)
	if err != nil {
		return "", err
	}
	if n := len(plain); n > 0 && plain[n-1] == 0 {
		plain = plain[:n-1]
	}
	return string(plain), nil
}

// AssertIdentity sends a bearer token naming this peer, signed with the
// channel's PSK and valid for ttl. The other side calls VerifyIdentity.
// Requires a PSK-configured channel.
func (c *Channel) AssertIdentity(ctx context.Context, subject string, ttl time.Duration) error {
	if len(c.opts.PSK) == 0 {
		return errors.New("stream: identity assertion requires a PSK")
	}
	token, err := security.SignBearer(c.opts.PSK, subject, ttl)
	if err != nil {
		return err
	}
	return c.SendSecret(ctx, token)
}

// VerifyIdentity receives a bearer token from the peer, verifies its
// signature against the channel's PSK, and returns the asserted subject.
func (c *Channel) VerifyIdentity(ctx context.Context) (string, error) {
	if len(c.opts.PSK) == 0 {
		return "", errors.New("stream: identity verification requires a PSK")
	}
	token, err := c.ReceiveSecret(ctx)
	if err != nil {
		return "", err
	}
	return security.VerifyBearer(c.opts.PSK, token)
}

// SendFile streams a file to the peer: an 8-byte big-endian size message,
// the contents in 64 KiB chunks, then a 4-byte end marker. Returns the
// number of content bytes sent.
func (c *Channel) SendFile(ctx context.Context, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "stream: opening file")
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stream: stat file")
	}

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
	if _, err := c.sendEncrypted(ctx, size[:]); err != nil {
		return 0, err
	}

	buf := make([]byte, fileChunkSize)
	var total int64
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			if _, err := c.sendEncrypted(ctx, buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, errors.Wrap(readErr, "stream: reading file")
		}
	}

	var marker [4]byte
	binary.BigEndian.PutUint32(marker[:], fileEndMarker)
	if _, err := c.sendEncrypted(ctx, marker[:]); err != nil {
		return total, err
	}
	return total, nil
}

// ReceiveFile receives a file streamed by SendFile into path. Returns the
// number of content bytes written.
func (c *Channel) ReceiveFile(ctx context.Context, path string) (int64, error) {
	sizeData, err := c.receiveEncrypted(ctx)
	if err != nil {
		return 0, err
	}
	if len(sizeData) != 8 {
		return 0, fmt.Errorf("stream: invalid file size frame: expected 8 bytes, got %d", len(sizeData))
	}
	fileSize := int64(binary.BigEndian.Uint64(sizeData))

	file, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "stream: creating file")
	}
	defer func() { _ = file.Close() }()

	var total int64
	for total < fileSize {
		chunk, err := c.receiveEncrypted(ctx)
		if err != nil {
			return total, err
		}
		n, err := file.Write(chunk)
		if err != nil {
			return total, errors.Wrap(err, "stream: writing file")
		}
		total += int64(n)
	}

	markerData, err := c.receiveEncrypted(ctx)
	if err != nil {
		return total, err
	}
	if len(markerData) != 4 || binary.BigEndian.Uint32(markerData) != fileEndMarker {
		return total, errors.New("stream: missing end-of-file marker")
	}
	return total, nil
}
