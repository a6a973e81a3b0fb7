package instance

import (
	"context"
	"sync"

	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/interfaces"
	"github.com/recordbridge/recordbridge/src/metrics"
	"github.com/recordbridge/recordbridge/src/pipeline"
	"github.com/recordbridge/recordbridge/src/pkg/ratelimit"
)

type key struct{}

// Instance 进程内共享的组件集合，由 main 组装后放入 context
type Instance struct {
	WaitGroup   sync.WaitGroup
	Config      *configs.Config
	Logger      *interfaces.Logger
	Connectors  *connectors.Registry
	RateLimiter *ratelimit.ServiceRateLimiter
	Catalog     *connectors.Catalog
	Schemas     *connectors.CachedProvider
	Manager     *pipeline.Manager
	Metrics     *metrics.Collector
	Server      interfaces.Module
}

// WithInstance 返回携带 inst 的 context
func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, key{}, inst)
}

// GetInstance 从 context 中取出 Instance，不存在时返回 nil
func GetInstance(ctx context.Context) *Instance {
	if ctx == nil {
		return nil
	}
	inst, _ := ctx.Value(key{}).(*Instance)
	return inst
}
