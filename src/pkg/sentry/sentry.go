// Package sentry 封装 Sentry 上报，迁移循环与 HTTP 处理器中的 panic 经此捕获
// 上报前会抹去连接器凭据以及记录里的联系方式字段
package sentry

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	uuid "github.com/satori/go.uuid"
)

const redacted = "[REDACTED]"

var enabled atomic.Bool

// 键名包含其中任一关键字即视为敏感
var sensitiveKeywords = []string{
	"authorization", "token", "password", "secret", "api_key", "apikey",
	"credential", "cookie", "dsn", "email", "phone",
}

var sensitiveHeaders = []string{"Authorization", "Cookie", "X-Api-Key", "X-Auth-Token"}

// 匹配 key=value、key: value 与 "key":"value"
var sensitivePairPattern = regexp.MustCompile(
	`(?i)("?(?:` + strings.Join(quoteAll(sensitiveKeywords), "|") + `)[a-z_]*"?)(\s*[=:]\s*)("[^"]*"|[^\s,&}\]]+)`)

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}

// instanceID 进程级匿名标识，用于区分同一版本的多个部署
var instanceID = strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")

// Init 初始化 Sentry，dsn 为空时不启用
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		SampleRate:       1.0,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		return err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: instanceID})
	})
	enabled.Store(true)
	return nil
}

// Enabled 返回 Sentry 是否已初始化
func Enabled() bool {
	return enabled.Load()
}

// Flush 退出前等待待发送事件
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}

// Recover 在 goroutine 顶部 defer 调用，吞掉 panic 并上报
// recover() 必须直接在被 defer 的函数里调用
func Recover() {
	if v := recover(); v != nil && Enabled() {
		sentry.CurrentHub().Recover(v)
	}
}

// RecoverWithContext 同 Recover，优先使用 ctx 上的 hub
func RecoverWithContext(ctx context.Context) {
	v := recover()
	if v == nil || !Enabled() {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.RecoverWithContext(ctx, v)
}

func CaptureException(err error) {
	if Enabled() && err != nil {
		sentry.CaptureException(err)
	}
}

// CaptureExceptionWithTags 上报错误并附带 migration_id、path 等标签
func CaptureExceptionWithTags(err error, tags map[string]string) {
	if !Enabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Go 启动带 panic 恢复的 goroutine
func Go(f func()) {
	go func() {
		defer Recover()
		f()
	}()
}

// GoWithContext 启动带 panic 恢复的 goroutine，f 收到同一个 ctx
func GoWithContext(ctx context.Context, f func(context.Context)) {
	go func() {
		defer RecoverWithContext(ctx)
		f(ctx)
	}()
}

// scrubEvent 作为 BeforeSend 钩子清理事件
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.Message = scrubString(event.Message)
	for i := range event.Exception {
		exc := &event.Exception[i]
		exc.Value = scrubString(exc.Value)
		if exc.Stacktrace == nil {
			continue
		}
		for j := range exc.Stacktrace.Frames {
			exc.Stacktrace.Frames[j].Vars = scrubMap(exc.Stacktrace.Frames[j].Vars)
		}
	}
	event.Extra = scrubMap(event.Extra)
	for name, c := range event.Contexts {
		event.Contexts[name] = scrubMap(c)
	}
	for k, v := range event.Tags {
		if isSensitiveKey(k) {
			event.Tags[k] = redacted
		} else {
			event.Tags[k] = scrubString(v)
		}
	}
	if event.Request != nil {
		scrubRequest(event.Request)
	}
	return event
}

func scrubString(s string) string {
	if s == "" {
		return s
	}
	return sensitivePairPattern.ReplaceAllString(s, "${1}${2}"+redacted)
}

// scrubMap 递归清理，返回新 map
func scrubMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return scrubString(val)
	case map[string]interface{}:
		return scrubMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}

func scrubRequest(req *sentry.Request) {
	req.URL = scrubString(req.URL)
	req.QueryString = scrubString(req.QueryString)
	req.Data = scrubString(req.Data)
	if req.Cookies != "" {
		req.Cookies = redacted
	}
	for k := range req.Headers {
		for _, h := range sensitiveHeaders {
			if http.CanonicalHeaderKey(k) == h {
				req.Headers[k] = redacted
			}
		}
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
