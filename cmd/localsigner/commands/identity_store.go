package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/infra/kvstore"
)

// openStore 打开数据目录中的身份存储；返回的 close 负责释放 badger。
func openStore() (*identity.Store, func(), error) {
	kv, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open data dir %s (is the server running?): %w", cfg.DataDir, err)
	}
	store, err := identity.NewStore(kv, identity.Options{
		KDF:              identity.KDFParams{N: 1 << cfg.Identity.ScryptLogN},
		Logger:           logger.With(slog.String("component", "identity")),
		BackupWorkFactor: cfg.Identity.BackupWorkFactor,
	})
	if err != nil {
		_ = kv.Close()
		return nil, func() {}, err
	}
	return store, func() { _ = kv.Close() }, nil
}

// withIdentity 打开存储并确保身份存在。
func withIdentity(ctx context.Context, fn func(*identity.Store, identity.Identity) error) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	id, err := store.EnsureIdentity(ctx)
	if err != nil {
		return err
	}
	return fn(store, id)
}
