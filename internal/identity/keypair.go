package identity

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/aegis-sign/localsigner/internal/envelope"
)

// Fingerprint 是压缩公钥的 SHA-256 摘要。
type Fingerprint [sha256.Size]byte

// FingerprintOf 计算公钥指纹。
func FingerprintOf(publicKey []byte) Fingerprint {
	return sha256.Sum256(publicKey)
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Identity 是可公开的身份信息。
type Identity struct {
	PublicKey   []byte
	Fingerprint Fingerprint
}

// PublicKeyHex 返回压缩公钥的十六进制编码。
func (i Identity) PublicKeyHex() string {
	return hex.EncodeToString(i.PublicKey)
}

// Keypair 持有一次调用内可用的私钥材料，用完必须 Close。
type Keypair struct {
	priv   *ecdh.PrivateKey
	raw    []byte
	public []byte
}

func newKeypair(raw []byte) (*Keypair, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Keypair{
		priv:   priv,
		raw:    raw,
		public: envelope.CompressPublicKey(priv.PublicKey()),
	}, nil
}

// PrivateKey 返回 ECDH 私钥。
func (k *Keypair) PrivateKey() *ecdh.PrivateKey {
	return k.priv
}

// PublicKey 返回压缩公钥。
func (k *Keypair) PublicKey() []byte {
	return k.public
}

// Fingerprint 返回公钥指纹。
func (k *Keypair) Fingerprint() Fingerprint {
	return FingerprintOf(k.public)
}

// Close 清零私钥副本。
func (k *Keypair) Close() {
	if k == nil {
		return
	}
	secureZero(k.raw)
	k.raw = nil
	k.priv = nil
}
