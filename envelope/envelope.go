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

// Package envelope implements the authenticated-encryption layer used by
// every secure channel in this module: a session key produces envelopes of
// the form nonce(12) || ciphertext || tag(16), one per plaintext message.
//
// An Envelope is bound to a single session key for its entire lifetime.
// Nonces are drawn from a CSPRNG on every call rather than derived from a
// counter, so the type carries no mutable send/receive state and is safe
// to share across goroutines without synchronization of its own. Callers
// that want a cipher instance per goroutine simply construct one Envelope
// each from the same session key.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

// KeySize is the length in bytes of a session key (AES-128).
const KeySize = 16

// NonceSize is the length in bytes of the random nonce prefixed to every
// envelope.
const NonceSize = 12

// TagSize is the length in bytes of the authentication tag suffixed to
// every envelope's ciphertext.
const TagSize = 16

var (
	// ErrMalformedEnvelope is returned when a buffer passed to Decrypt is
	// too short to even contain a nonce.
	ErrMalformedEnvelope = errors.New("envelope: input shorter than nonce size")
	// ErrAuthenticationFailed is returned when the authentication tag on
	// a decrypted envelope does not verify. The channel must treat this
	// as fatal tampering.
	ErrAuthenticationFailed = errors.New("envelope: authentication tag mismatch")
	// ErrInvalidKeySize is returned by New when the supplied key is not
	// KeySize bytes long.
	ErrInvalidKeySize = errors.New("envelope: session key must be 16 bytes")
)

// Envelope seals and opens messages under a single 16-byte session key
// using AES-128-GCM with its standard 12-byte nonce and 16-byte tag.
// There is no IV-counter bookkeeping: every call draws a fresh random
// nonce instead.
type Envelope struct {
	gcm cipher.AEAD
}

// New builds an Envelope bound to key, which must be exactly KeySize
// (16) bytes — the session key produced by the handshake package.
func New(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "envelope: constructing AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "envelope: constructing GCM mode")
	}
	return &Envelope{gcm: gcm}, nil
}

// Encrypt seals plain into a new envelope: a fresh random 12-byte nonce
// drawn from crypto/rand, followed by the ciphertext and its 16-byte tag.
// The returned slice is a single pre-sized allocation; no intermediate
// copies are made beyond what cipher.AEAD.Seal itself makes.
func (e *Envelope) Encrypt(plain []byte) ([]byte, error) {
	out := make([]byte, e.gcm.NonceSize(), e.gcm.NonceSize()+len(plain)+e.gcm.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, errors.Wrap(err, "envelope: drawing nonce")
	}
	return e.gcm.Seal(out, out[:e.gcm.NonceSize()], plain, nil), nil
}

// Decrypt parses the leading NonceSize bytes of data as a nonce, verifies
// the trailing tag, and returns the plaintext. A tag mismatch is reported
// as ErrAuthenticationFailed; an input shorter than the nonce size is
// reported as ErrMalformedEnvelope.
func (e *Envelope) Decrypt(data []byte) ([]byte, error) {
	ns := e.gcm.NonceSize()
	if len(data) < ns {
		return nil, ErrMalformedEnvelope
	}
	nonce, ciphertext := data[:ns], data[ns:]
	plain, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}

// Overhead returns the number of bytes an envelope adds on top of its
// plaintext: the nonce prefix plus the authentication tag.
func (e *Envelope) Overhead() int {
	return e.gcm.NonceSize() + e.gcm.Overhead()
}
