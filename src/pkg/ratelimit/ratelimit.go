// Package ratelimit 为每个外部服务提供访问频率限制
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// ServiceRateLimiter 管理各个外部服务的访问频率限制
type ServiceRateLimiter struct {
	limiters map[string]*serviceLimiter // 服务名称 -> 限制器
	mu       sync.RWMutex
}

// serviceLimiter 单个服务的频率限制器
type serviceLimiter struct {
	minInterval time.Duration // 最小访问间隔
	lastAccess  time.Time     // 上次访问时间
	mu          sync.Mutex
}

// New 创建频率限制器
func New() *ServiceRateLimiter {
	return &ServiceRateLimiter{
		limiters: make(map[string]*serviceLimiter),
	}
}

// SetRequestsPerMinute 按每分钟请求数设置服务的限制，<=0 时移除限制
func (rl *ServiceRateLimiter) SetRequestsPerMinute(service string, perMinute int) {
	if perMinute <= 0 {
		rl.SetMinInterval(service, 0)
		return
	}
	rl.SetMinInterval(service, time.Minute/time.Duration(perMinute))
}

// SetMinInterval 设置或更新服务的最小访问间隔，<=0 时移除限制
func (rl *ServiceRateLimiter) SetMinInterval(service string, interval time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if interval <= 0 {
		delete(rl.limiters, service)
		return
	}
	if limiter, exists := rl.limiters[service]; exists {
		limiter.mu.Lock()
		limiter.minInterval = interval
		limiter.mu.Unlock()
		return
	}
	// lastAccess 为零值，首次访问不会被限制
	rl.limiters[service] = &serviceLimiter{minInterval: interval}
}

// Wait 等待直到允许访问指定服务
// 服务没有限制时立即返回 true；被 ctx 取消时返回 false
func (rl *ServiceRateLimiter) Wait(ctx context.Context, service string) bool {
	rl.mu.RLock()
	limiter, exists := rl.limiters[service]
	rl.mu.RUnlock()

	if !exists {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		limiter.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(limiter.lastAccess)
		if elapsed >= limiter.minInterval {
			limiter.lastAccess = now
			limiter.mu.Unlock()
			return true
		}
		waitTime := limiter.minInterval - elapsed
		// 释放锁再等待
		limiter.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// WaitInfo 服务等待状态
type WaitInfo struct {
	NextRequestIn time.Duration `json:"next_request_in"` // 0 表示立即可以
	MinInterval   time.Duration `json:"min_interval"`
}

// GetWaitInfo 获取服务的等待状态
func (rl *ServiceRateLimiter) GetWaitInfo(service string) WaitInfo {
	rl.mu.RLock()
	limiter, exists := rl.limiters[service]
	rl.mu.RUnlock()

	if !exists {
		return WaitInfo{}
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	info := WaitInfo{MinInterval: limiter.minInterval}
	if elapsed := time.Since(limiter.lastAccess); elapsed < limiter.minInterval {
		info.NextRequestIn = limiter.minInterval - elapsed
	}
	return info
}
