// Package codec implements the payload transforms shared by both tunnel
// peers: authenticated encryption, optional pre-compression, and the
// DNS-safe chunk encodings.
//
// The encryption envelope is:
//
//	version(1) || nonce(12) || ciphertext+tag
//
// sealed with ChaCha20-Poly1305 under a 256-bit pre-shared key. The
// plaintext inside the envelope carries a one-byte compression header
// (raw or zlib) so the receiver never has to guess.
package codec

import (
	"bytes"
	"compress/zlib"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the raw pre-shared key length in bytes.
	KeySize = chacha20poly1305.KeySize

	// envelopeVersion is the current envelope format marker.
	envelopeVersion = 0x01

	// EnvelopeOverhead is the fixed size added by Encrypt on top of the
	// plaintext: version byte, nonce, and AEAD tag.
	EnvelopeOverhead = 1 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead

	compressionNone = 0x00
	compressionZlib = 0x01
)

// ErrDecrypt is returned for every decryption failure. Callers must not be
// able to distinguish a bad MAC from a bad version or a truncated envelope.
var ErrDecrypt = errors.New("codec: decrypt failed")

// keyEncoding is the textual form of keys in LLM_PROXY_KEY.
var keyEncoding = base64.URLEncoding

// Cipher seals and opens tunnel payloads under a pre-shared key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// GenerateKey returns a fresh random key in its textual form.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("codec: generate key: %w", err)
	}
	return keyEncoding.EncodeToString(key), nil
}

// ParseKey turns the textual key from the environment into raw key bytes.
// A urlsafe-base64 encoding of exactly 32 bytes is used as-is; any other
// input is stretched to 32 bytes with HKDF-SHA256 so that both peers derive
// the same key from the same passphrase.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("codec: empty key")
	}
	if decoded, err := keyEncoding.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(s), []byte("key-normalize"), []byte("master"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("codec: key derivation: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext into a self-describing envelope with a random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	env := make([]byte, 1+chacha20poly1305.NonceSize, len(plaintext)+EnvelopeOverhead)
	env[0] = envelopeVersion
	nonce := env[1 : 1+chacha20poly1305.NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("codec: nonce: %w", err)
	}
	return c.aead.Seal(env, nonce, plaintext, env[:1]), nil
}

// Decrypt opens an envelope produced by Encrypt. All failure modes collapse
// into ErrDecrypt.
func (c *Cipher) Decrypt(env []byte) ([]byte, error) {
	if len(env) < EnvelopeOverhead || env[0] != envelopeVersion {
		return nil, ErrDecrypt
	}
	nonce := env[1 : 1+chacha20poly1305.NonceSize]
	plaintext, err := c.aead.Open(nil, nonce, env[1+chacha20poly1305.NonceSize:], env[:1])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Pack prepends the compression header, compressing with zlib when that
// actually shrinks the message.
func Pack(text string) []byte {
	raw := []byte(text)
	var buf bytes.Buffer
	buf.WriteByte(compressionZlib)
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(raw)
	_ = zw.Close()
	if buf.Len() < len(raw)+1 {
		return buf.Bytes()
	}
	packed := make([]byte, 0, len(raw)+1)
	packed = append(packed, compressionNone)
	return append(packed, raw...)
}

// Unpack reverses Pack, honoring the compression header.
func Unpack(b []byte) (string, error) {
	if len(b) == 0 {
		return "", errors.New("codec: empty payload")
	}
	switch b[0] {
	case compressionNone:
		return string(b[1:]), nil
	case compressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(b[1:]))
		if err != nil {
			return "", fmt.Errorf("codec: decompress: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return "", fmt.Errorf("codec: decompress: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("codec: unknown compression header 0x%02x", b[0])
	}
}

// Seal packs and encrypts a text message in one step.
func (c *Cipher) Seal(text string) ([]byte, error) {
	return c.Encrypt(Pack(text))
}

// Open decrypts and unpacks an envelope back into text. Decryption failures
// surface as ErrDecrypt; a garbled compression header after a successful
// decrypt is reported as-is since it indicates a peer bug, not a key issue.
func (c *Cipher) Open(env []byte) (string, error) {
	plaintext, err := c.Decrypt(env)
	if err != nil {
		return "", err
	}
	return Unpack(plaintext)
}
