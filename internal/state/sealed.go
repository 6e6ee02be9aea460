package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes (AES-256).
	scryptKeyLen = 32

	saltLen = 16

	// saltKey and checkKey are stored in plaintext in the wrapped storage.
	saltKey  = "sealed/v1/salt"
	checkKey = "sealed/v1/check"
)

var checkPlaintext = []byte("vibetune-sync")

// ErrWrongPassphrase is returned when the passphrase does not decrypt the
// existing store.
var ErrWrongPassphrase = errors.New("storage passphrase does not match")

// SealedStorage encrypts values with AES-256-GCM before handing them to
// the wrapped Storage. Keys are not encrypted.
type SealedStorage struct {
	inner Storage
	gcm   cipher.AEAD
}

var _ Storage = (*SealedStorage)(nil)

// NewSealedStorage derives a key from passphrase and the store's salt,
// creating the salt on first use. A wrong passphrase for an existing store
// returns ErrWrongPassphrase.
func NewSealedStorage(inner Storage, passphrase string) (*SealedStorage, error) {
	salt, err := inner.Get(saltKey)
	if err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	fresh := salt == nil
	if fresh {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	s := &SealedStorage{inner: inner, gcm: gcm}

	if fresh {
		if err := inner.Set(saltKey, salt); err != nil {
			return nil, fmt.Errorf("storing salt: %w", err)
		}

		if err := s.Set(checkKey, checkPlaintext); err != nil {
			return nil, fmt.Errorf("storing check value: %w", err)
		}

		return s, nil
	}

	got, err := s.Get(checkKey)
	if err != nil || string(got) != string(checkPlaintext) {
		return nil, ErrWrongPassphrase
	}

	return s, nil
}

// DeriveKey derives a 32-byte key from passphrase and salt using scrypt.
// The passphrase is NFKC-normalized so visually identical input typed on
// different keyboards yields the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Get decrypts the value stored under key.
// Format: [12-byte nonce][ciphertext+tag]
func (s *SealedStorage) Get(key string) ([]byte, error) {
	data, err := s.inner.Get(key)
	if err != nil || data == nil {
		return nil, err
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plaintext, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", key, err)
	}

	if plaintext == nil {
		plaintext = []byte{}
	}

	return plaintext, nil
}

// Set encrypts value with a random nonce. The key is bound as additional
// data so ciphertexts cannot be swapped between keys.
func (s *SealedStorage) Set(key string, value []byte) error {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	return s.inner.Set(key, s.gcm.Seal(nonce, nonce, value, []byte(key)))
}

func (s *SealedStorage) Remove(key string) error {
	return s.inner.Remove(key)
}

func (s *SealedStorage) Close() error {
	return s.inner.Close()
}
