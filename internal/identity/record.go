package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/aegis-sign/localsigner/internal/envelope"
)

const (
	recordVersion = 1
	curveP256     = "P-256"
	saltSize      = 16
)

// KDFParams 是 scrypt 参数。
type KDFParams struct {
	N int
	R int
	P int
}

// DefaultKDFParams 返回生产环境使用的 scrypt 参数。
func DefaultKDFParams() KDFParams {
	return KDFParams{N: 1 << 15, R: 8, P: 1}
}

func (p KDFParams) normalize() KDFParams {
	def := DefaultKDFParams()
	if p.N <= 1 {
		p.N = def.N
	}
	if p.R <= 0 {
		p.R = def.R
	}
	if p.P <= 0 {
		p.P = def.P
	}
	return p
}

type kdfRecord struct {
	Salt []byte `cbor:"salt"`
	N    int    `cbor:"n"`
	R    int    `cbor:"r"`
	P    int    `cbor:"p"`
}

// secretRecord 是落盘的身份记录，私钥部分以 ChaCha20-Poly1305 加密。
type secretRecord struct {
	Version   int       `cbor:"v"`
	Curve     string    `cbor:"curve"`
	PublicKey []byte    `cbor:"pub"`
	Protected bool      `cbor:"protected"`
	KDF       kdfRecord `cbor:"kdf"`
	Nonce     []byte    `cbor:"nonce"`
	Cipher    []byte    `cbor:"cipher"`
	CreatedAt int64     `cbor:"created"`
}

type secretPayload struct {
	PrivateKey []byte `cbor:"priv"`
	CreatedAt  int64  `cbor:"created"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("identity: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("identity: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(rec *secretRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func decodeRecord(raw []byte) (*secretRecord, error) {
	var rec secretRecord
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return nil, corrupt(err)
	}
	if rec.Version != recordVersion {
		return nil, corrupt(fmt.Errorf("unsupported record version %d", rec.Version))
	}
	if rec.Curve != curveP256 {
		return nil, corrupt(fmt.Errorf("unsupported curve %q", rec.Curve))
	}
	if _, err := envelope.ParsePublicKey(rec.PublicKey); err != nil {
		return nil, corrupt(err)
	}
	if len(rec.KDF.Salt) != saltSize || len(rec.Nonce) != chacha20poly1305.NonceSize {
		return nil, corrupt(errors.New("invalid kdf salt or nonce"))
	}
	return &rec, nil
}

func deriveKey(password []byte, kdf kdfRecord) ([]byte, error) {
	key, err := scrypt.Key(password, kdf.Salt, kdf.N, kdf.R, kdf.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, corrupt(fmt.Errorf("scrypt: %w", err))
	}
	return key, nil
}

// sealRecord 用 password 派生的密钥加密私钥，返回记录和派生密钥。
func sealRecord(priv, pub, password []byte, protected bool, createdAt int64, params KDFParams) (*secretRecord, []byte, error) {
	kdf := kdfRecord{Salt: make([]byte, saltSize), N: params.N, R: params.R, P: params.P}
	if _, err := rand.Read(kdf.Salt); err != nil {
		return nil, nil, err
	}
	key, err := deriveKey(password, kdf)
	if err != nil {
		return nil, nil, err
	}
	rec, err := sealWithKey(priv, pub, key, kdf, protected, createdAt)
	if err != nil {
		secureZero(key)
		return nil, nil, err
	}
	return rec, key, nil
}

func sealWithKey(priv, pub, key []byte, kdf kdfRecord, protected bool, createdAt int64) (*secretRecord, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	payload, err := encMode.Marshal(secretPayload{PrivateKey: priv, CreatedAt: createdAt})
	if err != nil {
		return nil, err
	}
	defer secureZero(payload)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &secretRecord{
		Version:   recordVersion,
		Curve:     curveP256,
		PublicKey: clone(pub),
		Protected: protected,
		KDF:       kdf,
		Nonce:     nonce,
		Cipher:    aead.Seal(nil, nonce, payload, pub),
		CreatedAt: createdAt,
	}, nil
}

// openRecord 用派生密钥解开记录并校验私钥与公钥匹配。
func openRecord(rec *secretRecord, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, rec.Nonce, rec.Cipher, rec.PublicKey)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer secureZero(plaintext)
	var payload secretPayload
	if err := decMode.Unmarshal(plaintext, &payload); err != nil {
		return nil, corrupt(err)
	}
	priv, err := ecdh.P256().NewPrivateKey(payload.PrivateKey)
	if err != nil {
		secureZero(payload.PrivateKey)
		return nil, corrupt(err)
	}
	if string(envelope.CompressPublicKey(priv.PublicKey())) != string(rec.PublicKey) {
		secureZero(payload.PrivateKey)
		return nil, corrupt(errors.New("private key does not match public key"))
	}
	return payload.PrivateKey, nil
}
