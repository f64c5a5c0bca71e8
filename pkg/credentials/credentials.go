// Package credentials manages users and the ways they authenticate: API
// tokens, signing access keys, JWTs and per-bucket FTP passwords.
package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"harbor/pkg/manager"
	"harbor/pkg/metadata"
)

const (
	// MinPasswordLength applies to user and FTP passwords.
	MinPasswordLength = 6

	tokenBytes = 20

	DefaultJWTTTL           = time.Hour
	DefaultSignatureMaxSkew = 15 * time.Minute
)

// Options configure token lifetimes and signing secrets.
type Options struct {
	JWTSecret []byte
	JWTTTL    time.Duration
	// SignatureMaxSkew tolerates clients whose clock runs behind when
	// checking signature deadlines.
	SignatureMaxSkew time.Duration
}

// Service is the credential manager.
type Service struct {
	manager *manager.Manager
	meta    *metadata.Store
	opts    Options
}

// New creates a Service.
func New(m *manager.Manager, opts Options) *Service {
	if opts.JWTTTL <= 0 {
		opts.JWTTTL = DefaultJWTTTL
	}
	if opts.SignatureMaxSkew <= 0 {
		opts.SignatureMaxSkew = DefaultSignatureMaxSkew
	}
	return &Service{manager: m, meta: m.Meta(), opts: opts}
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
