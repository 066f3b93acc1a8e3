package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aegis-sign/localsigner/internal/desktop"
	"github.com/aegis-sign/localsigner/internal/identity"
)

const unlockAttempts = 3

// unlockPrompt 是启动时索取口令的方式。
type unlockPrompt struct {
	ask   func() (pw []byte, ok bool, err error)
	wrong func()
}

func terminalPrompt(out io.Writer) unlockPrompt {
	return unlockPrompt{
		ask: func() ([]byte, bool, error) {
			pw, err := readPassword(out, "Password: ")
			return pw, err == nil, err
		},
		wrong: func() { fmt.Fprintln(out, "Wrong password.") },
	}
}

func dialogPrompt(d desktop.Dialogs) unlockPrompt {
	return unlockPrompt{
		ask:   func() ([]byte, bool, error) { return d.Password("Unlock " + appName) },
		wrong: func() { _ = d.Message(appName, "Wrong password.") },
	}
}

// unlockAtStartup 最多尝试 unlockAttempts 次。用户取消或输入框不可用时以锁定状态继续启动，
// 之后可以用 `localsigner password unlock` 解锁。
func unlockAtStartup(store *identity.Store, prompt unlockPrompt, log *slog.Logger) error {
	for attempt := 0; attempt < unlockAttempts; attempt++ {
		pw, ok, err := prompt.ask()
		if err != nil {
			log.Warn("password prompt failed; starting locked", slog.Any("error", err))
			return nil
		}
		if !ok {
			log.Info("password prompt cancelled; starting locked")
			return nil
		}
		err = store.InputPassword(pw)
		clear(pw)
		if err == nil {
			return nil
		}
		if !errors.Is(err, identity.ErrWrongPassword) {
			return err
		}
		prompt.wrong()
	}
	log.Warn("starting locked after failed password attempts")
	return nil
}
