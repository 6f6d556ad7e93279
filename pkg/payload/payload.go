// Package payload turns the transport payload of a frame into plain
// application layer data records by reversing AES encryption and compact
// frame compression.
package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/NotCoffee418/wmbus_parser/pkg/frame"
)

var (
	ErrMissingKey      = errors.New("payload encrypted but no key configured")
	ErrInvalidKey      = errors.New("invalid AES key")
	ErrCorruptPayload  = errors.New("payload corrupt")
	ErrUnknownFormat   = errors.New("compact frame format unknown")
	ErrUnsupportedMode = errors.New("unsupported security mode")
)

const (
	KeySize = 16
	// Decrypted data always starts with two idle fillers.
	filler = 0x2F
)

// Prepare returns the plain application layer of f. key is required when
// the frame announces encryption; formats resolves compact frames and
// learns the layout of full frames.
func Prepare(f *frame.Frame, key []byte, formats *FormatCache) ([]byte, error) {
	data, err := Decrypt(f, key)
	if err != nil {
		return nil, err
	}

	if f.TPL.Compact() {
		if formats == nil {
			return nil, fmt.Errorf("%w: no format cache", ErrUnknownFormat)
		}
		return formats.Expand(data)
	}
	if formats != nil {
		formats.Learn(data)
	}
	return data, nil
}

// Decrypt reverses the transport layer encryption of f. Unencrypted
// payloads are returned unchanged.
func Decrypt(f *frame.Frame, key []byte) ([]byte, error) {
	switch mode := f.TPL.SecurityMode(); mode {
	case frame.SecurityNone:
		return f.Payload, nil
	case frame.SecurityAESCBC:
		if len(key) == 0 {
			return nil, ErrMissingKey
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
		}
		return decryptMode5(f, key)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMode, mode)
	}
}

// IV builds the mode 5 initialisation vector: address followed by the
// access number repeated eight times.
func IV(f *frame.Frame) []byte {
	addr := f.MeterAddress().Bytes()
	iv := make([]byte, 0, aes.BlockSize)
	iv = append(iv, addr[:]...)
	for len(iv) < aes.BlockSize {
		iv = append(iv, f.TPL.AccessNumber)
	}
	return iv
}

func decryptMode5(f *frame.Frame, key []byte) ([]byte, error) {
	n, err := encryptedLength(f)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	out := make([]byte, len(f.Payload))
	cipher.NewCBCDecrypter(block, IV(f)).CryptBlocks(out[:n], f.Payload[:n])
	copy(out[n:], f.Payload[n:])

	if out[0] != filler || out[1] != filler {
		return nil, fmt.Errorf("%w: decryption check failed, wrong key?", ErrCorruptPayload)
	}
	return out, nil
}

// Encrypt applies mode 5 encryption to plain, which must start with the
// 0x2F 0x2F check bytes. It returns the encrypted payload and the number
// of encrypted blocks to announce in the config field.
func Encrypt(addr frame.Address, access byte, key, plain []byte) ([]byte, int, error) {
	if len(key) != KeySize {
		return nil, 0, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	padded := append([]byte(nil), plain...)
	for len(padded)%aes.BlockSize != 0 {
		padded = append(padded, filler)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, 0, err
	}
	f := &frame.Frame{Address: addr, TPL: frame.TPL{AccessNumber: access}}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, IV(f)).CryptBlocks(out, padded)
	return out, len(padded) / aes.BlockSize, nil
}

func encryptedLength(f *frame.Frame) (int, error) {
	n := f.TPL.EncryptedBlocks() * aes.BlockSize
	if n == 0 {
		n = len(f.Payload) / aes.BlockSize * aes.BlockSize
	}
	if n == 0 || n > len(f.Payload) {
		return 0, fmt.Errorf("%w: %d encrypted bytes announced, payload has %d", ErrCorruptPayload, n, len(f.Payload))
	}
	return n, nil
}
