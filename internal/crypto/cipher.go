package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrDecryptionFailure covers every way a ciphertext can fail to come
// back as plaintext: wrong key, corrupted data, bad padding, or an
// empty result. Callers match it with errors.Is and drop the message;
// one undecodable message never aborts the session. Wrapped errors
// carry no key material.
var ErrDecryptionFailure = errors.New("decryption failure")

// KeySize is the required symmetric key length (AES-256).
const KeySize = 32

// IVSize is the CBC initialization vector length.
const IVSize = aes.BlockSize

// Encrypt encrypts plaintext under the room key with AES-256-CBC and
// PKCS7 padding, returning hex-encoded ciphertext and IV. The IV is
// freshly random per call.
func Encrypt(plaintext string, key []byte) (ciphertextHex, ivHex string, err error) {
	if len(key) != KeySize {
		return "", "", fmt.Errorf("encrypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("encrypt: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("encrypt: generating iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(out), hex.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt. Any malformed input yields an error
// wrapping ErrDecryptionFailure rather than a panic or a partial
// plaintext.
func Decrypt(ciphertextHex, ivHex string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("%w: wrong key size", ErrDecryptionFailure)
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not hex", ErrDecryptionFailure)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVSize {
		return "", fmt.Errorf("%w: bad iv", ErrDecryptionFailure)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d not a block multiple", ErrDecryptionFailure, len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: cipher init", ErrDecryptionFailure)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if len(plain) == 0 {
		return "", fmt.Errorf("%w: empty plaintext", ErrDecryptionFailure)
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length", ErrDecryptionFailure)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding byte", ErrDecryptionFailure)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrDecryptionFailure)
		}
	}
	return data[:len(data)-n], nil
}
