// Copyright 2025 Tom Barlow
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

// Package auth provides resume-token signing and rate limiting for the
// daemon's public endpoints.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const approvalIssuer = "cascade"

// ApprovalClaims binds an approval link to one suspension. The embedded
// resume token is checked again by the suspension manager, so a leaked
// signing secret alone cannot resume an arbitrary suspension.
type ApprovalClaims struct {
	ResumeToken string `json:"rtk"`
	jwt.RegisteredClaims
}

// TokenSigner mints and verifies approval resume tokens (HS256).
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. ttl bounds token validity; zero means
// 24 hours.
func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("approval signing secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint issues a signed approval token for the suspension.
func (s *TokenSigner) Mint(suspensionID, resumeToken string) (string, error) {
	now := s.now()
	claims := ApprovalClaims{
		ResumeToken: resumeToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    approvalIssuer,
			Subject:   suspensionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a signed approval token and returns the suspension id and
// embedded resume token.
func (s *TokenSigner) Verify(tokenString string) (suspensionID, resumeToken string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &ApprovalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(approvalIssuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return "", "", fmt.Errorf("invalid approval token: %w", err)
	}
	claims, ok := token.Claims.(*ApprovalClaims)
	if !ok || claims.Subject == "" {
		return "", "", fmt.Errorf("invalid approval token: missing subject")
	}
	return claims.Subject, claims.ResumeToken, nil
}
