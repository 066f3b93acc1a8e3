// Package capability 构造与解析能力 URL：http://<指纹>@127.0.0.1:<端口>。
// 持有 URL 即可调用网关；调用方用 URL 中的指纹核对 discovery 返回的公钥。
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/aegis-sign/localsigner/pkg/validator"
)

// LoopbackHost 是网关唯一监听的地址。
const LoopbackHost = "127.0.0.1"

// ErrFingerprintMismatch 表示服务端公钥与 URL 中的指纹不一致。
var ErrFingerprintMismatch = errors.New("capability: server public key does not match fingerprint")

// Option 调整 Build 的输出。
type Option func(*url.URL)

// WithHTTPS 使用 https scheme。
func WithHTTPS() Option {
	return func(u *url.URL) { u.Scheme = "https" }
}

// Build 返回能力 URL，纯函数。
func Build(fingerprint string, port int, opts ...Option) string {
	u := &url.URL{
		Scheme: "http",
		User:   url.User(fingerprint),
		Host:   net.JoinHostPort(LoopbackHost, strconv.Itoa(port)),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u.String()
}

// ErrNotCapabilityAddr 表示监听地址不是能力 URL 可以指向的 127.0.0.1 TCP 地址。
var ErrNotCapabilityAddr = errors.New("capability: listener is not bound to 127.0.0.1")

// ForListener 用实际绑定的监听地址构造能力 URL。
func ForListener(fingerprint string, addr net.Addr, opts ...Option) (string, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.Equal(net.ParseIP(LoopbackHost)) {
		return "", fmt.Errorf("%w: %v", ErrNotCapabilityAddr, addr)
	}
	return Build(fingerprint, tcp.Port, opts...), nil
}

// Capability 是解析后的能力 URL。
type Capability struct {
	Fingerprint string
	Host        string
	Port        int
	Scheme      string
}

// BaseURL 返回不含指纹的服务地址，末尾带 /。
func (c Capability) BaseURL() string {
	return c.Scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + "/"
}

// Parse 解析能力 URL 并校验指纹格式。
func Parse(raw string) (Capability, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Capability{}, fmt.Errorf("capability: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Capability{}, fmt.Errorf("capability: unsupported scheme %q", u.Scheme)
	}
	if u.User == nil {
		return Capability{}, errors.New("capability: missing fingerprint")
	}
	fp := u.User.Username()
	if err := validator.Fingerprint(fp); err != nil {
		return Capability{}, fmt.Errorf("capability: fingerprint: %w", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return Capability{}, fmt.Errorf("capability: invalid port %q", u.Port())
	}
	return Capability{Fingerprint: fp, Host: u.Hostname(), Port: port, Scheme: u.Scheme}, nil
}

// VerifyDiscovery 确认 discovery 返回的公钥哈希等于 URL 中的指纹。
func VerifyDiscovery(c Capability, publicKeyHex string) error {
	pub, err := validator.DecodeHex(publicKeyHex, 0)
	if err != nil {
		return fmt.Errorf("capability: public key: %w", err)
	}
	sum := sha256.Sum256(pub)
	if hex.EncodeToString(sum[:]) != c.Fingerprint {
		return ErrFingerprintMismatch
	}
	return nil
}
