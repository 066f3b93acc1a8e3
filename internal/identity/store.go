// Package identity 管理本机身份密钥：首次启动生成 P-256 密钥对，
// 私钥以口令派生密钥加密后存入 KV 槽位，公钥指纹用于能力 URL。
package identity

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aegis-sign/localsigner/internal/envelope"
	"github.com/aegis-sign/localsigner/internal/infra/kvstore"
)

const secretSlot = "identity/secret"

// KV 是身份记录所需的字节槽存储。Swap 在当前值不等于 expected 时返回 kvstore.ErrConflict。
type KV interface {
	Get(key string) ([]byte, error)
	Swap(key string, expected, next []byte) error
}

// Options 控制 Store 行为。
type Options struct {
	KDF    KDFParams
	Logger *slog.Logger
	Clock  func() time.Time
	// BackupWorkFactor 是导出备份时 age scrypt 的 log2(N)。
	BackupWorkFactor int
}

// Store 是身份存储。指纹读取无锁，所有涉及私钥的操作串行执行。
type Store struct {
	kv     KV
	kdf    KDFParams
	logger *slog.Logger
	now    func() time.Time
	backup int

	group     singleflight.Group
	public    atomic.Pointer[Identity]
	protected atomic.Bool

	mu         sync.Mutex
	record     *secretRecord
	stored     []byte
	sessionKey []byte
}

// NewStore 创建 Store，不会触发任何读写。
func NewStore(kv KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("kv store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.BackupWorkFactor <= 0 {
		opts.BackupWorkFactor = 18
	}
	return &Store{
		kv:     kv,
		kdf:    opts.KDF.normalize(),
		logger: opts.Logger,
		now:    opts.Clock,
		backup: opts.BackupWorkFactor,
	}, nil
}

// EnsureIdentity 加载已有身份，不存在时生成并持久化。并发的首次调用只会生成一次。
func (s *Store) EnsureIdentity(ctx context.Context) (Identity, error) {
	if id := s.public.Load(); id != nil {
		return *id, nil
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	v, err, _ := s.group.Do("ensure", func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if id := s.public.Load(); id != nil {
			return *id, nil
		}
		rec, key, err := s.loadLocked()
		if errors.Is(err, kvstore.ErrNotFound) {
			rec, key, err = s.generateLocked()
		}
		if err != nil {
			return nil, err
		}
		return s.adoptLocked(rec, key), nil
	})
	if err != nil {
		return Identity{}, err
	}
	return v.(Identity), nil
}

// Fingerprint 返回当前身份指纹。
func (s *Store) Fingerprint() (Fingerprint, error) {
	id := s.public.Load()
	if id == nil {
		return Fingerprint{}, ErrNoIdentity
	}
	return id.Fingerprint, nil
}

// Identity 返回当前可公开的身份信息。
func (s *Store) Identity() (Identity, error) {
	id := s.public.Load()
	if id == nil {
		return Identity{}, ErrNoIdentity
	}
	return *id, nil
}

// HasPassword 报告是否设置了用户口令。
func (s *Store) HasPassword() bool {
	return s.protected.Load()
}

// Unlocked 报告当前会话是否可以直接解锁。
func (s *Store) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record != nil && s.sessionKey != nil
}

// TryPassword 校验候选口令，不修改任何状态。
func (s *Store) TryPassword(candidate []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.currentLocked()
	if err != nil {
		return false, err
	}
	key, err := deriveKey(candidate, rec.KDF)
	if err != nil {
		return false, err
	}
	defer secureZero(key)
	if !rec.Protected {
		return false, ErrNoPassword
	}
	priv, err := openRecord(rec, key)
	if errors.Is(err, ErrWrongPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	secureZero(priv)
	return true, nil
}

// InputPassword 校验口令并在本次会话中记住派生密钥。
func (s *Store) InputPassword(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.currentLocked()
	if err != nil {
		return err
	}
	if !rec.Protected {
		return ErrNoPassword
	}
	key, err := deriveKey(password, rec.KDF)
	if err != nil {
		return err
	}
	priv, err := openRecord(rec, key)
	if err != nil {
		secureZero(key)
		return err
	}
	secureZero(priv)
	s.setSessionLocked(key)
	s.logger.Info("identity unlocked")
	return nil
}

// Lock 丢弃会话中的派生密钥。
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil && s.record.Protected {
		s.setSessionLocked(nil)
	}
}

// SetPassword 以新口令重新加密记录。已设置口令时 old 必须能解开当前记录。
func (s *Store) SetPassword(old, next []byte) error {
	if len(next) == 0 {
		return ErrEmptyPassword
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.currentLocked()
	if err != nil {
		return err
	}
	current := []byte{}
	if rec.Protected {
		if old == nil {
			return ErrWrongPassword
		}
		current = old
	}
	key, err := deriveKey(current, rec.KDF)
	if err != nil {
		return err
	}
	defer secureZero(key)
	priv, err := openRecord(rec, key)
	if err != nil {
		return err
	}
	defer secureZero(priv)

	sealed, nextKey, err := sealRecord(priv, rec.PublicKey, next, true, rec.CreatedAt, s.kdf)
	if err != nil {
		return err
	}
	if err := s.persistLocked(sealed); err != nil {
		secureZero(nextKey)
		return err
	}
	s.adoptLocked(sealed, nextKey)
	s.logger.Info("identity password updated", slog.Bool("first_password", !rec.Protected))
	return nil
}

// Unlock 返回本次调用使用的密钥对，调用方用完必须 Close。
func (s *Store) Unlock() (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlockLocked()
}

func (s *Store) unlockLocked() (*Keypair, error) {
	rec, err := s.currentLocked()
	if err != nil {
		return nil, err
	}
	if s.sessionKey == nil {
		if rec.Protected {
			return nil, ErrLocked
		}
		return nil, ErrWrongPassword
	}
	priv, err := openRecord(rec, s.sessionKey)
	if err != nil {
		return nil, err
	}
	kp, err := newKeypair(priv)
	if err != nil {
		secureZero(priv)
		return nil, corrupt(err)
	}
	return kp, nil
}

// Reset 生成新的密钥对替换当前身份，保持原有口令保护。
func (s *Store) Reset(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.currentLocked()
	if err != nil {
		return Identity{}, err
	}
	if rec.Protected && s.sessionKey == nil {
		return Identity{}, ErrLocked
	}
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	raw := priv.Bytes()
	defer secureZero(raw)
	pub := envelope.CompressPublicKey(priv.PublicKey())

	// 沿用当前 salt 与派生密钥，保护状态不变。
	sealed, err := sealWithKey(raw, pub, s.sessionKey, rec.KDF, rec.Protected, s.now().Unix())
	if err != nil {
		return Identity{}, err
	}
	if err := s.persistLocked(sealed); err != nil {
		return Identity{}, err
	}
	id := s.adoptLocked(sealed, s.sessionKey)
	s.logger.Warn("identity rotated", slog.String("fingerprint", id.Fingerprint.String()))
	return id, nil
}

func (s *Store) currentLocked() (*secretRecord, error) {
	if s.record == nil {
		return nil, ErrNoIdentity
	}
	return s.record, nil
}

func (s *Store) loadLocked() (*secretRecord, []byte, error) {
	raw, err := s.kv.Get(secretSlot)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, ioFailure(err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, err
	}
	s.stored = raw
	if rec.Protected {
		return rec, nil, nil
	}
	key, err := deriveKey([]byte{}, rec.KDF)
	if err != nil {
		return nil, nil, err
	}
	priv, err := openRecord(rec, key)
	if err != nil {
		secureZero(key)
		if errors.Is(err, ErrWrongPassword) {
			return nil, nil, corrupt(errors.New("unprotected record does not open"))
		}
		return nil, nil, err
	}
	secureZero(priv)
	return rec, key, nil
}

func (s *Store) generateLocked() (*secretRecord, []byte, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity key: %w", err)
	}
	raw := priv.Bytes()
	defer secureZero(raw)
	pub := envelope.CompressPublicKey(priv.PublicKey())
	rec, key, err := sealRecord(raw, pub, []byte{}, false, s.now().Unix(), s.kdf)
	if err != nil {
		return nil, nil, err
	}
	if err := s.persistLocked(rec); err != nil {
		secureZero(key)
		return nil, nil, err
	}
	s.logger.Info("identity generated", slog.String("fingerprint", FingerprintOf(pub).String()))
	return rec, key, nil
}

func (s *Store) persistLocked(rec *secretRecord) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode identity record: %w", err)
	}
	// 以上次读到或写入的字节为前提写入，其他进程改过槽位时拒绝覆盖。
	if err := s.kv.Swap(secretSlot, s.stored, raw); err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return ioFailure(fmt.Errorf("identity record changed by another process: %w", err))
		}
		return ioFailure(err)
	}
	s.stored = raw
	return nil
}

func (s *Store) adoptLocked(rec *secretRecord, key []byte) Identity {
	s.record = rec
	s.setSessionLocked(key)
	s.protected.Store(rec.Protected)
	id := Identity{PublicKey: clone(rec.PublicKey), Fingerprint: FingerprintOf(rec.PublicKey)}
	s.public.Store(&id)
	return id
}

func (s *Store) setSessionLocked(key []byte) {
	if s.sessionKey != nil && (key == nil || &s.sessionKey[0] != &key[0]) {
		secureZero(s.sessionKey)
	}
	s.sessionKey = key
}
