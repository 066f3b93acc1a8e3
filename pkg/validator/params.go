package validator

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	errEmpty       = errors.New("must not be empty")
	errNotString   = errors.New("must be a string")
	errNotUint64   = errors.New("must be a non-negative integer")
	errNotList     = errors.New("must be an array of strings")
	errNotMap      = errors.New("must be an object of strings")
	errNotPositive = errors.New("must be greater than zero")
)

// IsNull 判断原始参数是否缺省或为 null。
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// String 解析非空字符串参数。
func String(raw json.RawMessage) (string, error) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", errNotString
	}
	if strings.TrimSpace(v) == "" {
		return "", errEmpty
	}
	return v, nil
}

// Uint64 解析 u64 参数，接受 JSON 数字或十进制字符串。
func Uint64(raw json.RawMessage) (uint64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, errNotUint64
		}
		trimmed = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseUint(string(trimmed), 10, 64)
	if err != nil {
		return 0, errNotUint64
	}
	return v, nil
}

// StringList 解析字符串数组，元素不得为空。
func StringList(raw json.RawMessage) ([]string, error) {
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errNotList
	}
	for i, item := range v {
		if strings.TrimSpace(item) == "" {
			return nil, fmt.Errorf("element %d %w", i, errEmpty)
		}
	}
	return v, nil
}

// StringMap 解析 program id -> 源码 形式的对象。
func StringMap(raw json.RawMessage) (map[string]string, error) {
	var v map[string]string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errNotMap
	}
	for k := range v {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("key %w", errEmpty)
		}
	}
	return v, nil
}

// NonEmptyList 确保数组至少有一个元素。
func NonEmptyList(v []string) error {
	if len(v) == 0 {
		return errEmpty
	}
	return nil
}

// Positive 确保数值大于零。
func Positive(v uint64) error {
	if v == 0 {
		return errNotPositive
	}
	return nil
}

// OneOf 校验取值是否在允许集合内。
func OneOf(v string, allowed ...string) error {
	for _, candidate := range allowed {
		if v == candidate {
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
}

// QueryURL 校验节点查询地址为 http(s) URL。
func QueryURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

// DecodeHex 解码十六进制字符串并校验长度，size<=0 表示不限制。
func DecodeHex(s string, size int) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if size > 0 && len(decoded) != size {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", size, len(decoded))
	}
	return decoded, nil
}

// Fingerprint 校验 64 位十六进制指纹。
func Fingerprint(s string) error {
	if strings.ToLower(s) != s {
		return errors.New("fingerprint must be lowercase hex")
	}
	_, err := DecodeHex(s, 32)
	return err
}
