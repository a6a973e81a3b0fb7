package utils

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type ByteCounter struct {
	ReadBytes  atomic.Int64
	WriteBytes atomic.Int64
}

type connCounter struct {
	net.Conn
	ByteCounter *ByteCounter
}

func (c *connCounter) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	c.ByteCounter.ReadBytes.Add(int64(n))
	return
}

func (c *connCounter) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	c.ByteCounter.WriteBytes.Add(int64(n))
	return
}

// ConnCounterManagerType 按服务名汇总连接器的网络流量
type ConnCounterManagerType struct {
	mapLock sync.Mutex
	bcMap   map[string]*ByteCounter
}

var ConnCounterManager = ConnCounterManagerType{bcMap: make(map[string]*ByteCounter)}

// GetOrCreateConnCounter atomically gets or creates a ByteCounter for the given key
func (m *ConnCounterManagerType) GetOrCreateConnCounter(key string) *ByteCounter {
	m.mapLock.Lock()
	defer m.mapLock.Unlock()
	bc, ok := m.bcMap[key]
	if !ok {
		bc = &ByteCounter{}
		m.bcMap[key] = bc
	}
	return bc
}

// Traffic 流量快照
type Traffic struct {
	Key        string `json:"key"`
	ReadBytes  int64  `json:"read_bytes"`
	WriteBytes int64  `json:"write_bytes"`
}

// Snapshot 返回按 key 排序的流量快照
func (m *ConnCounterManagerType) Snapshot() []Traffic {
	m.mapLock.Lock()
	defer m.mapLock.Unlock()
	out := make([]Traffic, 0, len(m.bcMap))
	for k, bc := range m.bcMap {
		out = append(out, Traffic{Key: k, ReadBytes: bc.ReadBytes.Load(), WriteBytes: bc.WriteBytes.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// newProductionTransport creates a http.Transport with production-ready configuration.
func newProductionTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// headerTransport 为每个请求补充固定请求头
type headerTransport struct {
	next    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.next.RoundTrip(req)
	}
	// RoundTripper 不应修改调用方的请求
	r := req.Clone(req.Context())
	for k, vs := range t.headers {
		if r.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	return t.next.RoundTrip(r)
}

// ClientOptions 连接器 HTTP 客户端参数
type ClientOptions struct {
	Timeout time.Duration
	Headers http.Header
	// CounterKey 非空时统计该客户端所有连接的收发字节数
	CounterKey string
	// Transport 替换底层传输，测试时使用
	Transport http.RoundTripper
}

// CreateClient 创建连接器使用的 HTTP 客户端
func CreateClient(opts ClientOptions) *http.Client {
	next := opts.Transport
	if next == nil {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		transport := newProductionTransport()
		transport.DialContext = dialer.DialContext
		if opts.CounterKey != "" {
			byteCounter := ConnCounterManager.GetOrCreateConnCounter(opts.CounterKey)
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &connCounter{Conn: conn, ByteCounter: byteCounter}, nil
			}
		}
		next = transport
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: &headerTransport{next: next, headers: opts.Headers},
	}
}
