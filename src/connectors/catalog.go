package connectors

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"gopkg.in/yaml.v3"

	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/validator"
)

//go:embed schemas/predefined.yaml
var predefinedSchemas []byte

type schemaFile struct {
	Schemas []mapping.EntitySchema `yaml:"schemas"`
}

// Catalog 静态结构目录：内置常见服务的实体结构，可追加用户定义的结构文件
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*mapping.EntitySchema
}

// NewCatalog 创建只包含内置结构的目录
func NewCatalog() (*Catalog, error) {
	c := &Catalog{schemas: make(map[string]map[string]*mapping.EntitySchema)}
	if err := c.load(predefinedSchemas); err != nil {
		return nil, fmt.Errorf("load predefined schemas: %w", err)
	}
	return c, nil
}

// LoadFile 合并 yaml 结构文件，同名实体会被覆盖
func (c *Catalog) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := c.load(b); err != nil {
		return fmt.Errorf("schema file %s: %w", path, err)
	}
	return nil
}

func (c *Catalog) load(b []byte) error {
	var f schemaFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return err
	}
	for i := range f.Schemas {
		s := f.Schemas[i]
		if s.Service == "" || s.Entity == "" {
			return errors.New("schema entry requires service and entity")
		}
		for _, f := range s.Fields {
			if f.Rules == "" {
				continue
			}
			if err := validator.CheckRules(f.Rules); err != nil {
				return fmt.Errorf("%s.%s field %s: %w", s.Service, s.Entity, f.Name, err)
			}
		}
		c.Add(&s)
	}
	return nil
}

// Add 登记一个实体结构
func (c *Catalog) Add(s *mapping.EntitySchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entities, ok := c.schemas[s.Service]
	if !ok {
		entities = make(map[string]*mapping.EntitySchema)
		c.schemas[s.Service] = entities
	}
	entities[s.Entity] = s
}

func (c *Catalog) GetSchema(_ context.Context, service, entity string) (*mapping.EntitySchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[service][entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrSchemaNotFound, service, entity)
	}
	return s, nil
}

// Services 返回目录中的服务名（已排序）
func (c *Catalog) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.schemas))
	for s := range c.schemas {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Entities 返回服务下的实体名，服务不存在时 ok 为 false
func (c *Catalog) Entities(service string) (entities []string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.schemas[service]
	if !ok {
		return nil, false
	}
	entities = make([]string, 0, len(m))
	for e := range m {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	return entities, true
}

// CachedProvider 用 LRU 缓存包装任意结构提供者，未找到的结果不缓存
type CachedProvider struct {
	next  SchemaProvider
	cache gcache.Cache
}

// NewCachedProvider 创建带缓存的结构提供者，ttl <= 0 表示不过期
func NewCachedProvider(next SchemaProvider, size int, ttl time.Duration) *CachedProvider {
	if size <= 0 {
		size = 256
	}
	builder := gcache.New(size).LRU()
	if ttl > 0 {
		builder = builder.Expiration(ttl)
	}
	return &CachedProvider{next: next, cache: builder.Build()}
}

func (p *CachedProvider) GetSchema(ctx context.Context, service, entity string) (*mapping.EntitySchema, error) {
	key := service + "/" + entity
	if v, err := p.cache.Get(key); err == nil {
		return v.(*mapping.EntitySchema), nil
	}
	s, err := p.next.GetSchema(ctx, service, entity)
	if err != nil {
		return nil, err
	}
	_ = p.cache.Set(key, s)
	return s, nil
}

// Purge 清空缓存
func (p *CachedProvider) Purge() {
	p.cache.Purge()
}
