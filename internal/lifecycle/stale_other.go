//go:build !darwin

package lifecycle

// StaleInstanceRunning 只在 macOS 上检查残留进程。
func StaleInstanceRunning(string) (bool, error) {
	return false, nil
}
