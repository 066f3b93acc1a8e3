package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aegis-sign/localsigner/pkg/apierrors"
	"github.com/aegis-sign/localsigner/pkg/validator"
)

// Kind 是参数的结构类型。
type Kind int

const (
	KindString Kind = iota
	KindUint64
	KindStringList
	KindStringMap
)

// Param 描述一个位置参数。
type Param struct {
	Name     string
	Kind     Kind
	Required bool
	Check    func(v any) error
}

// Params 是校验后的参数值。
type Params struct {
	values map[string]any
}

// Has 报告参数是否提供。
func (p Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

func (p Params) String(name string) string {
	v, _ := p.values[name].(string)
	return v
}

func (p Params) OptString(name string) *string {
	v, ok := p.values[name].(string)
	if !ok {
		return nil
	}
	return &v
}

func (p Params) Uint64(name string) uint64 {
	v, _ := p.values[name].(uint64)
	return v
}

func (p Params) OptUint64(name string) *uint64 {
	v, ok := p.values[name].(uint64)
	if !ok {
		return nil
	}
	return &v
}

func (p Params) Strings(name string) []string {
	v, _ := p.values[name].([]string)
	return v
}

func (p Params) StringMap(name string) map[string]string {
	v, _ := p.values[name].(map[string]string)
	return v
}

func invalidParams(format string, args ...any) error {
	return apierrors.New(apierrors.CodeInvalidParams, fmt.Sprintf(format, args...))
}

// bind 接受位置参数（数组，按声明顺序）或命名参数（对象），完成结构校验。
func bind(m *Method, raw json.RawMessage) (Params, error) {
	provided := make(map[string]json.RawMessage, len(m.Params))
	trimmed := bytes.TrimSpace(raw)
	switch {
	case validator.IsNull(trimmed):
	case trimmed[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Params{}, invalidParams("params must be an array or object")
		}
		if len(list) > len(m.Params) {
			return Params{}, invalidParams("%s takes at most %d parameters, got %d", m.Name, len(m.Params), len(list))
		}
		for i, item := range list {
			provided[m.Params[i].Name] = item
		}
	case trimmed[0] == '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return Params{}, invalidParams("params must be an array or object")
		}
		for name, item := range named {
			if !m.hasParam(name) {
				return Params{}, invalidParams("unknown parameter %q", name)
			}
			provided[name] = item
		}
	default:
		return Params{}, invalidParams("params must be an array or object")
	}

	out := Params{values: make(map[string]any, len(m.Params))}
	for _, param := range m.Params {
		item, ok := provided[param.Name]
		if !ok || validator.IsNull(item) {
			if param.Required {
				return Params{}, invalidParams("missing required parameter %q", param.Name)
			}
			continue
		}
		v, err := decodeParam(param.Kind, item)
		if err == nil && param.Check != nil {
			err = param.Check(v)
		}
		if err != nil {
			return Params{}, invalidParams("invalid parameter %q: %v", param.Name, err)
		}
		out.values[param.Name] = v
	}
	return out, nil
}

func decodeParam(kind Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindString:
		return validator.String(raw)
	case KindUint64:
		return validator.Uint64(raw)
	case KindStringList:
		return validator.StringList(raw)
	case KindStringMap:
		return validator.StringMap(raw)
	default:
		return nil, fmt.Errorf("unsupported parameter kind %d", kind)
	}
}
