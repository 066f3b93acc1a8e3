package kvstore

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound 表示 slot 中没有数据。
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrConflict 表示 Swap 的前置条件不满足。
	ErrConflict = errors.New("kvstore: value changed concurrently")
)

// Store 是基于 badger 的字节槽存储。
type Store struct {
	db *badger.DB
}

// Open 在 dataDir/badger 下打开持久化存储。
func Open(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory 打开仅驻留内存的存储，测试使用。
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Get 读取 key 对应的值副本。
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Swap 仅当当前值与 expected 一致时写入 next；expected 为 nil 表示要求 key 不存在。
func (s *Store) Swap(key string, expected, next []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != nil {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if expected == nil || string(current) != string(expected) {
				return ErrConflict
			}
		}
		return txn.Set([]byte(key), next)
	})
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
