// Package crypt seals and opens sensitive material with AES-256-GCM under keys derived from user passwords with
// PBKDF2-HMAC-SHA256. Every sealed value carries its own random salt and nonce so the same plaintext never encrypts
// to the same blob twice. Decryption is fail-closed: a wrong password and a tampered blob are indistinguishable and
// both return ErrAuthenticationFailed.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Sizes in bytes of the derived key, salt and GCM nonce.
const (
	KeySize   = 32
	SaltSize  = 16
	NonceSize = 12
)

// MinIterations is the lowest PBKDF2 iteration count accepted. Configured values below it are rejected rather than
// silently raised.
const MinIterations = 200000

var (
	// ErrAuthenticationFailed is returned when a blob cannot be opened, whether the password was wrong or the
	// ciphertext was modified.
	ErrAuthenticationFailed = errors.New("crypt: message authentication failed")
	// ErrWeakParams is returned when the iteration count is below MinIterations.
	ErrWeakParams = errors.New("crypt: key derivation parameters below minimum")
	// ErrMalformedBlob is returned when a blob is too short to contain a nonce and tag.
	ErrMalformedBlob = errors.New("crypt: malformed blob")
)

// Params carries the key derivation settings. Iterations comes from service configuration.
type Params struct {
	Iterations int
}

// Blob is a sealed value together with the salt and derivation settings needed to open it again. Ciphertext holds
// nonce || ciphertext || tag as produced by GCM.
type Blob struct {
	Salt       []byte `json:"salt" bson:"salt"`
	Iterations int    `json:"iterations" bson:"iterations"`
	Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
}

// NewSalt returns SaltSize bytes from crypto/rand.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches password into a KeySize key with PBKDF2-HMAC-SHA256. The caller owns the returned key and
// should Wipe it when done.
func DeriveKey(password string, salt []byte, p Params) ([]byte, error) {
	if p.Iterations < MinIterations {
		return nil, ErrWeakParams
	}
	if len(salt) != SaltSize {
		return nil, ErrMalformedBlob
	}
	return pbkdf2.Key([]byte(password), salt, p.Iterations, KeySize, sha256.New), nil
}

// Encrypt seals plaintext under password with a fresh salt and nonce.
func Encrypt(plaintext []byte, password string, p Params) (*Blob, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	sealed, err := seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	return &Blob{Salt: salt, Iterations: p.Iterations, Ciphertext: sealed}, nil
}

// Decrypt opens blob with the key derived from password and the blob's own salt and iteration count.
func Decrypt(blob *Blob, password string) ([]byte, error) {
	key, err := DeriveKey(password, blob.Salt, Params{Iterations: blob.Iterations})
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	return open(blob.Ciphertext, key)
}

// EncryptWithKey seals plaintext under an already derived key. Used by scheduled jobs that hold a service key
// instead of a password.
func EncryptWithKey(plaintext, key []byte, salt []byte, iterations int) (*Blob, error) {
	sealed, err := seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	return &Blob{Salt: salt, Iterations: iterations, Ciphertext: sealed}, nil
}

// DecryptWithKey opens blob under an already derived key.
func DecryptWithKey(blob *Blob, key []byte) ([]byte, error) {
	return open(blob.Ciphertext, key)
}

// Wipe zeroes b in place. Go gives no guarantee the memory is not copied elsewhere but this keeps derived keys and
// decrypted seeds from lingering in reusable buffers.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func seal(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(sealed, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+gcm.Overhead() {
		return nil, ErrMalformedBlob
	}
	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
