// Package codec obfuscates resource identifiers before they leave the gateway
// and restores them on the way back in.
//
// Tokens are AES-128/ECB/PKCS#7 ciphertexts of the UTF-8 identifier, keyed by
// the first 16 bytes of SHA-512(secret) and encoded with the unpadded base64url
// alphabet so they can sit in a path segment or JSON string without escaping.
// Identical identifiers always produce identical tokens: the scheme hides
// internal identifiers, it does not provide ciphertext indistinguishability.
package codec

import (
	"crypto/aes"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const keySize = 16

var (
	// ErrMalformedToken reports a value that is not a token produced by
	// Encrypt under the supplied secret.
	ErrMalformedToken = errors.New("codec: malformed token")
	// ErrEmptyInput rejects empty plaintexts, tokens and secrets.
	ErrEmptyInput = errors.New("codec: empty input")
)

var encoding = base64.RawURLEncoding.Strict()

// Identifier is the optional result of Lookup. OK distinguishes a decrypted
// empty identifier from a value that failed to decrypt.
type Identifier struct {
	Value string
	OK    bool
}

// Encrypt returns the URL-safe token for plaintext under secret.
func Encrypt(plaintext, secret string) (string, error) {
	if plaintext == "" || secret == "" {
		return "", ErrEmptyInput
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", fmt.Errorf("codec: cipher: %w", err)
	}
	bs := block.BlockSize()
	padded := pad([]byte(plaintext), bs)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return encoding.EncodeToString(out), nil
}

// Decrypt restores the identifier carried by token. Every decoding failure is
// reported as ErrMalformedToken.
func Decrypt(token, secret string) (string, error) {
	if token == "" || secret == "" {
		return "", ErrEmptyInput
	}
	// Strict decoding still skips CR and LF.
	if i := strings.IndexFunc(token, notURLSafe); i >= 0 {
		return "", fmt.Errorf("%w: invalid character at offset %d", ErrMalformedToken, i)
	}
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrMalformedToken, err)
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", fmt.Errorf("codec: cipher: %w", err)
	}
	bs := block.BlockSize()
	if len(raw) == 0 || len(raw)%bs != 0 {
		return "", fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedToken, len(raw), bs)
	}
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i += bs {
		block.Decrypt(out[i:i+bs], raw[i:i+bs])
	}
	plain, err := unpad(out, bs)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not utf-8", ErrMalformedToken)
	}
	return string(plain), nil
}

// Lookup decrypts token and reports failure through the OK flag instead of an
// error, for callers that fall back to treating the value as plaintext.
func Lookup(token, secret string) Identifier {
	value, err := Decrypt(token, secret)
	if err != nil {
		return Identifier{}
	}
	return Identifier{Value: value, OK: true}
}

func notURLSafe(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		return false
	}
	return true
}

func deriveKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:keySize]
}

func pad(in []byte, blockSize int) []byte {
	n := blockSize - len(in)%blockSize
	out := make([]byte, len(in)+n)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(in []byte, blockSize int) ([]byte, error) {
	n := int(in[len(in)-1])
	if n == 0 || n > blockSize || n > len(in) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
	}
	for _, b := range in[len(in)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
		}
	}
	return in[:len(in)-n], nil
}
