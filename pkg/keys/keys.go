// Package keys provides endpoint key material: the public key blob whose
// SHA-1 digest identifies the endpoint, and digest helpers shared by the
// status store and the sync protocol.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

// DigestLength is the length of a SHA-1 digest in bytes.
const DigestLength = 20

// Digest is a SHA-1 digest. The endpoint id is the digest of the endpoint
// public key.
type Digest [DigestLength]byte

// SHA1 computes the SHA-1 digest of data.
func SHA1(data []byte) Digest {
	return sha1.Sum(data)
}

// Provider supplies the endpoint public key blob. The SDK treats the blob as
// opaque bytes; it is hashed once at init to form the endpoint id.
type Provider interface {
	PublicKey() ([]byte, error)
}

// StaticProvider returns a fixed public key blob. Useful for tests and for
// hosts that manage key material themselves.
type StaticProvider []byte

func (p StaticProvider) PublicKey() ([]byte, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty public key", errdefs.ErrBadParam)
	}
	return []byte(p), nil
}

const keyBits = 2048

// FileProvider generates an RSA key pair at first boot and persists the
// private key under the agent state directory. Subsequent boots reload the
// same key, so the endpoint id stays stable across restarts.
type FileProvider struct {
	Path string
}

// PublicKey loads or creates the key pair and returns the PKIX-encoded
// public key.
func (p *FileProvider) PublicKey() ([]byte, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("%w: key path not set", errdefs.ErrBadParam)
	}

	priv, err := p.load()
	if os.IsNotExist(err) {
		priv, err = p.generate()
	}
	if err != nil {
		return nil, err
	}

	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return pub, nil
}

func (p *FileProvider) load() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("%w: %s is not a PEM private key", errdefs.ErrBadFormat, p.Path)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrBadFormat, err)
	}
	return priv, nil
}

func (p *FileProvider) generate() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate endpoint key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWriteFailed, err)
	}
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWriteFailed, err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWriteFailed, err)
	}
	return priv, nil
}
