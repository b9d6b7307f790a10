// Package servicetoken issues the short-lived RS256 tokens this API presents
// when calling internal services such as the audio backend. Each callee
// verifies against our public key and its own audience; tokens live for a
// minute, so a leaked one is useless almost immediately.
package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTTL is the lifetime of an issued token when none is configured.
	DefaultTTL = time.Minute
	// DefaultKeyID names the active signing key in the token header.
	DefaultKeyID = "api-active"
)

// Options configures a Signer.
type Options struct {
	// PrivateKeyPath points at a PEM-encoded RSA private key (PKCS#1 or
	// PKCS#8). Required.
	PrivateKeyPath string
	// Issuer identifies this service in iss and sub. Required.
	Issuer string
	// KeyID overrides the kid header. Defaults to DefaultKeyID.
	KeyID string
	// TTL overrides the token lifetime. Defaults to DefaultTTL.
	TTL time.Duration
}

// Signer mints tokens for one issuer and signing key.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *rsa.PrivateKey
	keyID  string
}

// New loads the signing key and builds a Signer.
func New(opts Options) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service token key: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		keyID = DefaultKeyID
	}
	return &Signer{issuer: issuer, ttl: ttl, key: key, keyID: keyID}, nil
}

// Sign issues a token scoped to the given audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        newTokenID(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}

func newTokenID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}
