// Package envelope 实现客户端加密请求体：ECDH(P-256) 共享 x 坐标经
// HKDF-SHA256 派生 32 字节 AES-GCM 密钥，密文格式为 iv(12) || ciphertext。
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// ContentType 标记加密请求体。
	ContentType = "application/octet-stream"
	// PublicKeyHeader 携带调用方压缩公钥的十六进制编码。
	PublicKeyHeader = "Public-Key"

	keySize   = 32
	nonceSize = 12
)

// ErrMalformed 表示密文无法解开。
var ErrMalformed = errors.New("envelope: malformed or tampered payload")

func deriveKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("envelope: ecdh: %w", err)
	}
	defer zero(shared)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("envelope: hkdf: %w", err)
	}
	return key, nil
}

func newAEAD(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (cipher.AEAD, error) {
	key, err := deriveKey(priv, peer)
	if err != nil {
		return nil, err
	}
	defer zero(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal 使用 priv 与对端公钥加密 plaintext。
func Seal(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(priv, peer)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Open 解密 Seal 产生的数据。
func Open(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrMalformed
	}
	aead, err := newAEAD(priv, peer)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, ErrMalformed
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
