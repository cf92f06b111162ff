package plugin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/bitbased/archengine/errs"
)

// AESGCMEncryptor implements Encryptor over stdlib crypto/aes +
// crypto/cipher.AEAD. No pack repo vendors a third-party AEAD
// implementation (cuemby-warren's pkg/security builds on crypto/* too);
// stdlib is the idiomatic choice here, not a fallback — see DESIGN.md.
type AESGCMEncryptor struct {
	aead cipher.AEAD
	keyID string
}

// NewAESGCMEncryptor builds an Encryptor from a 16/24/32-byte key.
func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "constructing AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "constructing AES-GCM AEAD")
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

func (e *AESGCMEncryptor) Name() string { return "aesgcm" }

// Sizing discloses the constant ciphertext expansion: nonce + auth tag.
func (e *AESGCMEncryptor) Sizing() int {
	return e.aead.NonceSize() + e.aead.Overhead()
}

func (e *AESGCMEncryptor) Customize(keyID string) (Encryptor, error) {
	clone := *e
	clone.keyID = keyID
	return &clone, nil
}

func (e *AESGCMEncryptor) Encrypt(dst, src []byte) (int, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return 0, errs.Wrap(errs.Io, err, "generating AES-GCM nonce")
	}
	out := e.aead.Seal(dst[:0], nonce, src, nil)
	copy(dst[len(out):], nonce)
	return len(out) + len(nonce), nil
}

func (e *AESGCMEncryptor) Decrypt(dst, src []byte) (int, error) {
	nonceSize := e.aead.NonceSize()
	if len(src) < nonceSize {
		return 0, errs.New(errs.Corruption, "ciphertext shorter than nonce", nil)
	}
	ciphertext := src[:len(src)-nonceSize]
	nonce := src[len(src)-nonceSize:]
	out, err := e.aead.Open(dst[:0], nonce, ciphertext, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Corruption, err, "AES-GCM authentication failed")
	}
	return len(out), nil
}

func (e *AESGCMEncryptor) Terminate() error { return nil }

var _ Encryptor = (*AESGCMEncryptor)(nil)
