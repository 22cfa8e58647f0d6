package installer

import (
	"archive/tar"
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrBadSignature = errors.New("invalid update signature")

// LoadPublicKey reads an RSA public key in PKIX ("PUBLIC KEY") or PKCS#1
// ("RSA PUBLIC KEY") PEM form.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(data)
}

func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// verifySignature checks an RSA PKCS#1 v1.5 signature over a SHA-512 digest.
func verifySignature(pub *rsa.PublicKey, digest, signature []byte) error {
	if pub == nil {
		return fmt.Errorf("%w: no public key configured", ErrBadSignature)
	}
	if want := pub.Size(); len(signature) != want {
		return fmt.Errorf("%w: length %d does not match key size %d", ErrBadSignature, len(signature), want)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Manifest describes a verified archive.
type Manifest struct {
	Version     string
	Changelog   string
	PayloadSize int64
}

// VerifyArchive reads a whole update archive from r and checks its payload
// signature without installing anything.
func VerifyArchive(r io.Reader, pub *rsa.PublicKey) (Manifest, error) {
	tr := tar.NewReader(r)
	head, err := readHead(tr)
	if err != nil {
		return Manifest{}, err
	}

	h := sha512.New()
	if _, err := io.Copy(h, tr); err != nil {
		return Manifest{}, fmt.Errorf("read payload: %w", err)
	}
	if err := verifySignature(pub, h.Sum(nil), head.signature); err != nil {
		return Manifest{}, err
	}
	return Manifest{
		Version:     head.version(),
		Changelog:   head.changelog,
		PayloadSize: head.payload.Size,
	}, nil
}
