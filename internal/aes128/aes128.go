// Package aes128 implements the payload encryption used by the mail server
// for alarm notifications: AES-128-CBC with PKCS#7 padding and an optional
// HMAC-SHA256 authenticator.
//
// Authenticated ciphertext is laid out as
//
//	0x01 | IV (16) | C | HMAC-SHA256(mKey, IV|C) (32)
//
// where cKey and mKey are the two halves of SHA-256(key). Unauthenticated
// ciphertext is IV | C encrypted under the key itself. The authenticated form
// always has odd length, which is how Decrypt tells them apart.
package aes128

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeyLength is the size of every key accepted by this package.
	KeyLength = 16
	// IVLength is the CBC initialisation vector size.
	IVLength = aes.BlockSize

	macLength  = sha256.Size
	macVersion = 0x01
)

var (
	ErrInvalidKeyLength  = errors.New("aes128: key must be 16 bytes")
	ErrInvalidMAC        = errors.New("aes128: invalid mac")
	ErrInvalidCiphertext = errors.New("aes128: invalid ciphertext")
	ErrInvalidPadding    = errors.New("aes128: invalid padding")
)

// fixedIV is used for key-encrypting-key operations, where the plaintext is
// a single random key and no IV is transmitted.
var fixedIV = bytes.Repeat([]byte{0x88}, IVLength)

// GenerateKey returns a new random 16-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under key with a random IV.
func Encrypt(key, plaintext []byte, withMAC bool) ([]byte, error) {
	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	return EncryptWithIV(key, iv, plaintext, withMAC)
}

// EncryptWithIV is Encrypt with a caller-supplied IV.
func EncryptWithIV(key, iv, plaintext []byte, withMAC bool) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(iv) != IVLength {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrInvalidCiphertext, IVLength)
	}

	cKey, mKey := key, []byte(nil)
	if withMAC {
		cKey, mKey = subKeys(key)
	}

	padded := pad(plaintext)
	body := make([]byte, IVLength+len(padded))
	copy(body, iv)
	if err := cbcEncrypt(cKey, iv, body[IVLength:], padded); err != nil {
		return nil, err
	}

	if !withMAC {
		return body, nil
	}

	out := make([]byte, 0, 1+len(body)+macLength)
	out = append(out, macVersion)
	out = append(out, body...)
	out = append(out, mac(mKey, body)...)
	return out, nil
}

// Decrypt reverses Encrypt. The MAC is verified when present.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	cKey := key
	body := data
	if len(data)%2 == 1 {
		if data[0] != macVersion || len(data) < 1+IVLength+aes.BlockSize+macLength {
			return nil, ErrInvalidCiphertext
		}
		var mKey []byte
		cKey, mKey = subKeys(key)
		body = data[1 : len(data)-macLength]
		if !hmac.Equal(mac(mKey, body), data[len(data)-macLength:]) {
			return nil, ErrInvalidMAC
		}
	}

	if len(body) < IVLength+aes.BlockSize || (len(body)-IVLength)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	iv, ciphertext := body[:IVLength], body[IVLength:]
	plain := make([]byte, len(ciphertext))
	if err := cbcDecrypt(cKey, iv, plain, ciphertext); err != nil {
		return nil, err
	}
	return unpad(plain)
}

// EncryptKey encrypts a 16-byte key under encKey with the fixed IV and no
// padding. The result is exactly 16 bytes.
func EncryptKey(encKey, key []byte) ([]byte, error) {
	if len(encKey) != KeyLength || len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	out := make([]byte, KeyLength)
	if err := cbcEncrypt(encKey, fixedIV, out, key); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptKey reverses EncryptKey.
func DecryptKey(encKey, encrypted []byte) ([]byte, error) {
	if len(encKey) != KeyLength || len(encrypted) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	out := make([]byte, KeyLength)
	if err := cbcDecrypt(encKey, fixedIV, out, encrypted); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptString encrypts s with a MAC and returns standard base64.
func EncryptString(key []byte, s string) (string, error) {
	data, err := Encrypt(key, []byte(s), true)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptString decodes a base64 value and decrypts it to a string.
func DecryptString(key []byte, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	plain, err := Decrypt(key, data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func subKeys(key []byte) (cKey, mKey []byte) {
	sum := sha256.Sum256(key)
	return sum[:KeyLength], sum[KeyLength:]
}

func mac(mKey, data []byte) []byte {
	h := hmac.New(sha256.New, mKey)
	h.Write(data)
	return h.Sum(nil)
}

func cbcEncrypt(key, iv, dst, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes128: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return nil
}

func cbcDecrypt(key, iv, dst, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes128: %w", err)
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
