package identity

import (
	"crypto/subtle"
	"runtime"
)

func secureZero(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	// 防止编译器优化掉填零。
	subtle.ConstantTimeByteEq(buf[0], buf[0])
	runtime.KeepAlive(buf)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
