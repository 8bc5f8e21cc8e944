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

// Package security provides the optional bearer-token identity layer on
// top of an established secure channel.
//
// The handshake's PSK proves possession of a shared secret but names
// nobody. A deployment that wants a peer identity string on top signs a
// short-lived HS256 token with the same PSK and sends it over the
// already-encrypted channel; the receiving side verifies the signature
// and reads the subject. There is no issuer infrastructure — the PSK does
// double duty as the signing key.
package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrBearerInvalid is returned when a bearer token fails signature or
// claims validation.
var ErrBearerInvalid = errors.New("security: bearer token invalid")

// BearerClaims is the claim set carried by a bearer token. Only the
// registered claims are used; Subject names the peer.
type BearerClaims struct {
	jwt.RegisteredClaims
}

// SignBearer mints a bearer token asserting subject, signed HS256 with
// key and valid for ttl from now.
func SignBearer(key []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, "security: signing bearer token")
	}
	return token, nil
}

// VerifyBearer validates tokenStr against key and returns the asserted
// subject. Signature, algorithm, and expiry are all checked; any failure
// is reported as ErrBearerInvalid.
func VerifyBearer(key []byte, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &BearerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Wrap(ErrBearerInvalid, "unexpected signing method "+token.Method.Alg())
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", errors.Wrap(ErrBearerInvalid, err.Error())
	}
	claims, ok := token.Claims.(*BearerClaims)
	if !ok || !token.Valid {
		return "", ErrBearerInvalid
	}
	if claims.Subject == "" {
		return "", errors.Wrap(ErrBearerInvalid, "token has no subject")
	}
	return claims.Subject, nil
}
