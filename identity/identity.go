// Package identity holds the process-wide keypair the proxy presents to
// validators. Validators attribute inbound QUIC connections to this key and
// apply the stake-weighted quota registered for it, so the identity is
// constructed once at startup and shared read-only.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/mr-tron/base58"
)

// ALPNProtocol is the application protocol negotiated with validator
// transaction-ingestion ports.
const ALPNProtocol = "solana-tpu"

// EnvKeypair names the environment variable that may carry the keypair
// directly (as a JSON byte array) or the path of a keypair file.
const EnvKeypair = "IDENTITY"

// Identity is an immutable ed25519 keypair.
type Identity struct {
	key ed25519.PrivateKey
}

// Generate creates an ephemeral identity. Validators see it as unstaked.
func Generate() (Identity, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Identity{key: key}, nil
}

// FromBytes builds an identity from raw key material: either a 64 byte
// expanded private key or a 32 byte seed.
func FromBytes(raw []byte) (Identity, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key := ed25519.PrivateKey(append([]byte(nil), raw...))
		derived := key.Public().(ed25519.PublicKey)
		if !derived.Equal(ed25519.PublicKey(key[ed25519.SeedSize:])) {
			return Identity{}, errors.New("keypair public half does not match private half")
		}
		return Identity{key: key}, nil
	case ed25519.SeedSize:
		return Identity{key: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return Identity{}, fmt.Errorf("keypair must be %d or %d bytes, got %d",
			ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

// Load resolves the identity with the conventional precedence: the IDENTITY
// environment variable holding either the keypair JSON or a file path, then
// the configured keypair path, then an ephemeral keypair when allowed.
func Load(path string, allowEphemeral bool) (Identity, error) {
	if env := os.Getenv(EnvKeypair); env != "" {
		if raw, err := decodeJSONBytes([]byte(env)); err == nil {
			return FromBytes(raw)
		}
		// Not inline key material, must be a file path.
		return FromFile(env)
	}
	if path != "" {
		return FromFile(path)
	}
	if allowEphemeral {
		return Generate()
	}
	return Identity{}, errors.New("no keypair configured and ephemeral identities disabled")
}

// FromFile reads a keypair file containing a JSON byte array.
func FromFile(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read keypair file: %w", err)
	}
	bytes, err := decodeJSONBytes(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("keypair file %s: %w", path, err)
	}
	return FromBytes(bytes)
}

func decodeJSONBytes(raw []byte) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("decode keypair json: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Public returns the raw public key.
func (id Identity) Public() ed25519.PublicKey {
	return id.key.Public().(ed25519.PublicKey)
}

// PublicKey renders the public key in base58, the form validators log and
// stake tables key on.
func (id Identity) PublicKey() string {
	return base58.Encode(id.Public())
}

// Valid reports whether the identity carries key material.
func (id Identity) Valid() bool {
	return len(id.key) == ed25519.PrivateKeySize
}

// TLSConfig derives the client TLS configuration for QUIC sessions. The
// certificate is self-signed: the peer authenticates the proxy purely by the
// public key embedded in it, so no CA chain or hostname verification applies.
func (id Identity) TLSConfig() (*tls.Config, error) {
	cert, err := id.selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}, nil
}

func (id Identity) selfSignedCert() (tls.Certificate, error) {
	if !id.Valid() {
		return tls.Certificate{}, errors.New("identity has no key material")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.PublicKey()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4zero},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, id.Public(), id.key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.key,
	}, nil
}
