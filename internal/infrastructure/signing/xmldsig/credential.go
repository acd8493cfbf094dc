package xmldsig

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pkcs12"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// Credential is a decoded signing identity. It lives for one signing call.
type Credential struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
}

type CredentialLoader interface {
	Load(ctx context.Context, issuer domain.Issuer) (*Credential, error)
}

// PKCS12Loader reads the issuer's PKCS#12 file and opens its sealed
// password with the master key.
type PKCS12Loader struct {
	dir       string
	masterKey []byte
}

func NewPKCS12Loader(dir string, masterKey []byte) (*PKCS12Loader, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &PKCS12Loader{dir: dir, masterKey: key}, nil
}

func (l *PKCS12Loader) Load(ctx context.Context, issuer domain.Issuer) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !issuer.HasCredential() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load credential", errors.New("issuer has no credential"))
	}
	path := issuer.CredentialPath
	if !filepath.IsAbs(path) && l.dir != "" {
		path = filepath.Join(l.dir, path)
	}
	pfx, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	password, err := OpenSecret(l.masterKey, issuer.CredentialSecret)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open credential secret", err)
	}
	defer zero(password)

	key, cert, err := pkcs12.Decode(pfx, string(password))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode credential", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode credential", fmt.Errorf("unsupported key type %T", key))
	}
	return &Credential{Signer: signer, Certificate: cert}, nil
}

// SealSecret encrypts a credential password with XChaCha20-Poly1305 and
// returns base64(nonce || ciphertext).
func SealSecret(masterKey, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret reverses SealSecret. The caller owns and should zero the
// returned bytes.
func OpenSecret(masterKey []byte, sealed string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed secret too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed secret: %w", err)
	}
	return plain, nil
}

// ParseMasterKey accepts a 32-byte key as hex or base64.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("credential master key is empty")
	}
	if key, err := hex.DecodeString(raw); err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}
	return nil, fmt.Errorf("credential master key must be %d bytes in hex or base64", chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
