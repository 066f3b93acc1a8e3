package envelope

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"errors"
	"fmt"
)

const (
	compressedKeySize   = 33
	uncompressedKeySize = 65
)

var errInvalidPublicKey = errors.New("envelope: invalid P-256 public key")

// CompressPublicKey 将 P-256 公钥编码为 33 字节 SEC1 压缩格式。
func CompressPublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes()
	out := make([]byte, compressedKeySize)
	out[0] = 0x02 | (raw[uncompressedKeySize-1] & 1)
	copy(out[1:], raw[1:1+32])
	return out
}

// ParsePublicKey 解析压缩或非压缩的 SEC1 P-256 公钥。
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	switch len(b) {
	case uncompressedKeySize:
		pub, err := ecdh.P256().NewPublicKey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidPublicKey, err)
		}
		return pub, nil
	case compressedKeySize:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), b)
		if x == nil {
			return nil, errInvalidPublicKey
		}
		raw := make([]byte, uncompressedKeySize)
		raw[0] = 0x04
		x.FillBytes(raw[1:33])
		y.FillBytes(raw[33:])
		return ecdh.P256().NewPublicKey(raw)
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", errInvalidPublicKey, len(b))
	}
}
