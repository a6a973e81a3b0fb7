package connectors

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 按服务名登记抽取与加载连接器
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	loaders    map[string]Loader
}

// NewRegistry 创建空的连接器注册表
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[string]Extractor),
		loaders:    make(map[string]Loader),
	}
}

// RegisterExtractor 登记源服务的抽取连接器
func (r *Registry) RegisterExtractor(service string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[service] = e
}

// RegisterLoader 登记目标服务的加载连接器
func (r *Registry) RegisterLoader(service string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[service] = l
}

// Extractor 按服务名获取抽取连接器
func (r *Registry) Extractor(service string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[service]
	if !ok {
		return nil, fmt.Errorf("%w: no extractor for %q", ErrConnectorNotFound, service)
	}
	return e, nil
}

// Loader 按服务名获取加载连接器
func (r *Registry) Loader(service string) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[service]
	if !ok {
		return nil, fmt.Errorf("%w: no loader for %q", ErrConnectorNotFound, service)
	}
	return l, nil
}

// Services 返回已登记的服务名
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for s := range r.extractors {
		seen[s] = struct{}{}
	}
	for s := range r.loaders {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
