package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/aegis-sign/localsigner/internal/envelope"
)

const backupVersion = 1

type backupPayload struct {
	Version    int    `cbor:"v"`
	PrivateKey []byte `cbor:"priv"`
	PublicKey  []byte `cbor:"pub"`
	CreatedAt  int64  `cbor:"created"`
}

// Export 将当前密钥对以 age 口令加密（ASCII armor）写入 w。
func (s *Store) Export(w io.Writer, passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassword
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("create backup recipient: %w", err)
	}
	recipient.SetWorkFactor(s.backup)

	// 密钥与创建时间必须来自同一份记录。
	s.mu.Lock()
	kp, err := s.unlockLocked()
	var createdAt int64
	if err == nil {
		createdAt = s.record.CreatedAt
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer kp.Close()

	payload, err := encMode.Marshal(backupPayload{
		Version:    backupVersion,
		PrivateKey: kp.raw,
		PublicKey:  kp.public,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	defer secureZero(payload)

	armored := armor.NewWriter(w)
	enc, err := age.Encrypt(armored, recipient)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize backup: %w", err)
	}
	return armored.Close()
}

// Import 用备份中的密钥对替换当前身份，保护状态与当前会话一致。
func (s *Store) Import(r io.Reader, passphrase string) (Identity, error) {
	ident, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return Identity{}, fmt.Errorf("create backup identity: %w", err)
	}
	ident.SetMaxWorkFactor(22)
	dec, err := age.Decrypt(armor.NewReader(r), ident)
	var mismatch *age.NoIdentityMatchError
	switch {
	case errors.As(err, &mismatch):
		return Identity{}, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	case err != nil:
		return Identity{}, corrupt(fmt.Errorf("read backup header: %w", err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		secureZero(buf.Bytes())
		return Identity{}, corrupt(fmt.Errorf("read backup: %w", err))
	}
	defer secureZero(buf.Bytes())

	var payload backupPayload
	if err := decMode.Unmarshal(buf.Bytes(), &payload); err != nil {
		return Identity{}, corrupt(err)
	}
	defer secureZero(payload.PrivateKey)
	if payload.Version != backupVersion {
		return Identity{}, corrupt(fmt.Errorf("unsupported backup version %d", payload.Version))
	}
	kp, err := newKeypair(clone(payload.PrivateKey))
	if err != nil {
		return Identity{}, corrupt(err)
	}
	defer kp.Close()
	if !bytes.Equal(kp.public, payload.PublicKey) {
		return Identity{}, corrupt(errors.New("backup public key mismatch"))
	}
	if _, err := envelope.ParsePublicKey(kp.public); err != nil {
		return Identity{}, corrupt(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.currentLocked()
	if err != nil {
		return Identity{}, err
	}
	if s.sessionKey == nil {
		return Identity{}, ErrLocked
	}
	sealed, err := sealWithKey(kp.raw, kp.public, s.sessionKey, rec.KDF, rec.Protected, payload.CreatedAt)
	if err != nil {
		return Identity{}, err
	}
	if err := s.persistLocked(sealed); err != nil {
		return Identity{}, err
	}
	return s.adoptLocked(sealed, s.sessionKey), nil
}
