package chain

import (
	"errors"
	"fmt"
	"sort"
)

// Registry manages a set of chain invokers keyed by human readable names.
type Registry struct {
	defaultChain string
	invokers     map[string]Invoker
}

// NewRegistry assembles a registry from pre-built invokers.
func NewRegistry(defaultChain string, invokers map[string]Invoker) (*Registry, error) {
	if len(invokers) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(invokers))
		for name := range invokers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := invokers[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, invokers: invokers}, nil
}

// DefaultInvoker returns the invoker configured as default chain.
func (r *Registry) DefaultInvoker() (Invoker, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	invoker, ok := r.invokers[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return invoker, nil
}

// Invoker returns the chain invoker identified by name.
func (r *Registry) Invoker(name string) (Invoker, bool) {
	if r == nil {
		return nil, false
	}
	invoker, ok := r.invokers[name]
	return invoker, ok
}

// Close releases all invokers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, invoker := range r.invokers {
		if invoker != nil {
			invoker.Close()
		}
		delete(r.invokers, name)
	}
}
