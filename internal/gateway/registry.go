package gateway

import (
	"context"
	"fmt"
)

// Handler 执行已校验的方法调用。
type Handler func(ctx context.Context, p Params) (any, error)

// Method 描述一个可调用的方法。
type Method struct {
	Name   string
	Params []Param
	// RequiresUnlock 为 true 时先解锁身份，再进入引擎。
	RequiresUnlock bool
	// Queued 为 true 时经 worker 池执行。
	Queued  bool
	Handler Handler
}

func (m *Method) hasParam(name string) bool {
	for _, p := range m.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Registry 是只读的方法表，构造后不再修改。
type Registry struct {
	methods map[string]*Method
	order   []string
}

func newRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

func (r *Registry) add(m Method) {
	if _, exists := r.methods[m.Name]; exists {
		panic(fmt.Sprintf("gateway: duplicate method %q", m.Name))
	}
	r.methods[m.Name] = &m
	r.order = append(r.order, m.Name)
}

// alias 以新名字注册已有方法的副本。
func (r *Registry) alias(name, target string) {
	m, ok := r.methods[target]
	if !ok {
		panic(fmt.Sprintf("gateway: alias %q targets unknown method %q", name, target))
	}
	cp := *m
	cp.Name = name
	r.add(cp)
}

// Lookup 按名称查找方法。
func (r *Registry) Lookup(name string) (*Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Names 按注册顺序返回全部方法名。
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
