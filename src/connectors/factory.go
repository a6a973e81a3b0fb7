package connectors

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/pkg/ratelimit"
	"github.com/recordbridge/recordbridge/src/pkg/utils"
)

// NewFromConfig 按配置构建连接器注册表
// http 连接器配置了 list_path 时登记为抽取端，配置了 load_path 时登记为加载端；
// memory 连接器同时登记两端，xlsx 连接器只作为抽取端；
// http 连接器遇到限流与网关错误时沿用 migration 的重试次数与退避参数
func NewFromConfig(cfg *configs.Config, limiter *ratelimit.ServiceRateLimiter) (*Registry, error) {
	reg := NewRegistry()
	if limiter == nil {
		limiter = ratelimit.New()
	}

	names := make([]string, 0, len(cfg.Connectors))
	for name := range cfg.Connectors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := cfg.Connectors[name]
		switch c.Type {
		case configs.ConnectorMemory:
			src := NewMemorySource(name)
			for entity, rows := range c.Fixtures {
				src.Add(entity, rows...)
			}
			reg.RegisterExtractor(name, src)
			reg.RegisterLoader(name, NewMemorySink(name))
		case configs.ConnectorXLSX:
			src, err := NewXLSXSource(name, c.File)
			if err != nil {
				return nil, fmt.Errorf("connector %s: %w", name, err)
			}
			reg.RegisterExtractor(name, src)
		case configs.ConnectorHTTP:
			limiter.SetRequestsPerMinute(name, c.RequestsPerMinute)
			client := utils.CreateClient(utils.ClientOptions{
				Timeout:    c.Timeout,
				Headers:    connectorHeaders(name, c),
				CounterKey: name,
			})
			opts := HTTPOptions{
				Service:        name,
				BaseURL:        c.BaseURL,
				ListPath:       c.ListPath,
				LimitParam:     c.LimitParam,
				CursorParam:    c.CursorParam,
				RecordsPath:    c.RecordsPath,
				IDPath:         c.IDPath,
				NextCursorPath: c.NextCursorPath,
				TotalPath:      c.TotalPath,
				LoadPath:       c.LoadPath,
				ResultsPath:    c.ResultsPath,
				MaxRetries:     cfg.Migration.MaxRetries,
				RetryBaseDelay: cfg.Migration.RetryBaseDelay,
				RetryMaxDelay:  cfg.Migration.RetryMaxDelay,
			}
			if c.ListPath != "" {
				reg.RegisterExtractor(name, NewHTTPSource(opts, client, limiter))
			}
			if c.LoadPath != "" {
				reg.RegisterLoader(name, NewHTTPSink(opts, client, limiter))
			}
		default:
			return nil, fmt.Errorf("connector %s: unknown type %q", name, c.Type)
		}
	}
	return reg, nil
}

// connectorHeaders 组装固定请求头与鉴权头，密钥从环境变量读取
func connectorHeaders(name string, c configs.Connector) http.Header {
	h := make(http.Header)
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	if c.APIKeyEnv == "" {
		return h
	}
	key := os.Getenv(c.APIKeyEnv)
	if key == "" {
		logrus.WithField("service", name).Warnf("environment variable %s is empty, requests will be unauthenticated", c.APIKeyEnv)
		return h
	}
	header := c.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	value := key
	if c.AuthScheme != "" {
		value = strings.TrimSpace(c.AuthScheme) + " " + key
	}
	h.Set(header, value)
	return h
}
