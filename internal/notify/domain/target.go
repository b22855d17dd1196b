package domain

import (
	"encoding/base64"
	"fmt"
	"net"
)

// Target is one configured secondary server eligible to receive NOTIFY.
// Immutable once constructed; sessions hold a read-only view of the
// zone's target list.
type Target struct {
	// Addr is the secondary's address in host:port form.
	Addr string
	// KeyName names the TSIG key used to sign queries to this target.
	// Empty means queries are sent unsigned.
	KeyName string
}

// NewTarget constructs a Target and validates its fields.
func NewTarget(addr, keyName string) (Target, error) {
	t := Target{Addr: addr, KeyName: keyName}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Validate checks whether the target address is a usable host:port pair.
func (t Target) Validate() error {
	if t.Addr == "" {
		return fmt.Errorf("target address must not be empty")
	}
	if _, _, err := net.SplitHostPort(t.Addr); err != nil {
		return fmt.Errorf("invalid target address %q: %w", t.Addr, err)
	}
	return nil
}

// TSIG algorithm names as they appear on the wire (RFC 2845 / RFC 4635).
const (
	TSIGHMACSHA1   = "hmac-sha1"
	TSIGHMACSHA256 = "hmac-sha256"
)

// TSIGKey is a shared secret used to sign NOTIFY queries toward a
// configured secondary.
type TSIGKey struct {
	Name      string
	Algorithm string
	// Secret is the base64-encoded key material.
	Secret string
}

// Validate checks the key fields and that the secret decodes.
func (k TSIGKey) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("tsig key name must not be empty")
	}
	switch k.Algorithm {
	case TSIGHMACSHA1, TSIGHMACSHA256:
	default:
		return fmt.Errorf("unsupported tsig algorithm: %s", k.Algorithm)
	}
	if _, err := base64.StdEncoding.DecodeString(k.Secret); err != nil {
		return fmt.Errorf("tsig key %s: secret is not valid base64: %w", k.Name, err)
	}
	return nil
}

// SecretBytes returns the decoded key material.
func (k TSIGKey) SecretBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.Secret)
}
