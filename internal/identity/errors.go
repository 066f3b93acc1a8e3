package identity

import "github.com/aegis-sign/localsigner/pkg/apierrors"

var (
	// ErrWrongPassword 表示口令无法解开当前记录。
	ErrWrongPassword = apierrors.New(apierrors.CodeWrongPassword, "wrong password")
	// ErrLocked 表示已设置口令但本次会话尚未输入。
	ErrLocked = apierrors.New(apierrors.CodeLocked, "identity is locked, input password first")
	// ErrNoPassword 表示尚未设置用户口令。
	ErrNoPassword = apierrors.New(apierrors.CodeNoPassword, "no password set")
	// ErrNoIdentity 表示尚未调用 EnsureIdentity。
	ErrNoIdentity = apierrors.New(apierrors.CodeNoIdentity, "identity not initialised")
	// ErrEmptyPassword 拒绝空口令。
	ErrEmptyPassword = apierrors.New(apierrors.CodeInvalidParams, "password must not be empty")
)

func corrupt(err error) error {
	return apierrors.Wrap(apierrors.CodeIdentityCorrupt, "identity record corrupt", err)
}

func ioFailure(err error) error {
	return apierrors.Wrap(apierrors.CodeIdentityIO, "identity store unavailable", err)
}
