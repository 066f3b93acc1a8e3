// Package client 是本地签名服务的 Go 调用方：通过能力 URL 建立信任，请求体使用一次性 ECDH 密钥加密。
package client

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"

	"github.com/aegis-sign/localsigner/internal/capability"
	"github.com/aegis-sign/localsigner/internal/envelope"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

var (
	// ErrNotSupported 表示服务端 features 中没有该方法。
	ErrNotSupported = errors.New("client: method not supported by server")
	// ErrVersionTooOld 表示服务端版本低于要求。
	ErrVersionTooOld = errors.New("client: server version too old")
)

// Discovery 是服务端 discovery 结果。
type Discovery struct {
	Version   string   `json:"version"`
	Features  []string `json:"features"`
	Pubkey    string   `json:"pubkey"`
	PublicKey string   `json:"public_key"`
}

// Option 调整 Client。
type Option func(*Client)

// WithHTTPClient 替换默认 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client 与单个本地服务通信，可并发使用。
type Client struct {
	base   string
	http   *http.Client
	priv   *ecdh.PrivateKey
	server *ecdh.PublicKey
	info   Discovery
	seq    atomic.Uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage     `json:"result"`
	Error  *apierrors.RPCError `json:"error"`
}

// New 解析能力 URL，获取 discovery 并核对指纹。
func New(ctx context.Context, capURL string, opts ...Option) (*Client, error) {
	capab, err := capability.Parse(capURL)
	if err != nil {
		return nil, err
	}
	c := &Client{base: capab.BaseURL(), http: &http.Client{Timeout: 0}}
	for _, opt := range opts {
		opt(c)
	}

	info, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(info.Pubkey, capab.Fingerprint) {
		return nil, capability.ErrFingerprintMismatch
	}
	if err := capability.VerifyDiscovery(capab, info.PublicKey); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(info.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: server public key: %w", err)
	}
	if c.server, err = envelope.ParsePublicKey(raw); err != nil {
		return nil, fmt.Errorf("client: server public key: %w", err)
	}
	if c.priv, err = ecdh.P256().GenerateKey(rand.Reader); err != nil {
		return nil, fmt.Errorf("client: generate key: %w", err)
	}
	c.info = info
	return c, nil
}

func (c *Client) discover(ctx context.Context) (Discovery, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"discovery", nil)
	if err != nil {
		return Discovery{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Discovery{}, fmt.Errorf("client: discovery: %w", err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Discovery{}, fmt.Errorf("client: decode discovery: %w", err)
	}
	if out.Error != nil {
		return Discovery{}, out.Error
	}
	var info Discovery
	if err := json.Unmarshal(out.Result, &info); err != nil {
		return Discovery{}, fmt.Errorf("client: decode discovery: %w", err)
	}
	if info.Version == "" {
		return Discovery{}, errors.New("client: server reported no version")
	}
	return info, nil
}

// Info 返回建立连接时的 discovery 结果。
func (c *Client) Info() Discovery {
	return c.info
}

// Supports 报告服务端是否支持 method。
func (c *Client) Supports(method string) bool {
	return slices.Contains(c.info.Features, method)
}

// RequireVersion 要求服务端版本不低于 minimum。
func (c *Client) RequireVersion(minimum string) error {
	have, want := "v"+strings.TrimPrefix(c.info.Version, "v"), "v"+strings.TrimPrefix(minimum, "v")
	if !semver.IsValid(have) || !semver.IsValid(want) {
		return fmt.Errorf("client: cannot compare versions %q and %q", c.info.Version, minimum)
	}
	if semver.Compare(have, want) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrVersionTooOld, c.info.Version, minimum)
	}
	return nil
}

// Call 加密发送一次调用，结果解码到 out（可为 nil）。服务端错误以 *apierrors.RPCError 返回。
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if !c.Supports(method) {
		return fmt.Errorf("%w: %s", ErrNotSupported, method)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.seq.Add(1)})
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	sealed, err := envelope.Seal(c.priv, c.server, body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base, bytes.NewReader(sealed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", envelope.ContentType)
	req.Header.Set(envelope.PublicKeyHeader, hex.EncodeToString(envelope.CompressPublicKey(c.priv.PublicKey())))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("client: decode response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("client: decode result: %w", err)
	}
	return nil
}
