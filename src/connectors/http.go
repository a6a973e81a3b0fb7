package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/hr3lxphr6j/requests"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/pkg/ratelimit"
	"github.com/recordbridge/recordbridge/src/pkg/utils"
)

// HTTPOptions HTTP 连接器参数，路径均支持 text/template 与 sprig 函数
type HTTPOptions struct {
	Service        string
	BaseURL        string
	ListPath       string
	LimitParam     string
	CursorParam    string
	RecordsPath    string
	IDPath         string
	NextCursorPath string
	TotalPath      string
	LoadPath       string
	ResultsPath    string

	// 限流与网关错误的重试次数及退避参数
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// maxRetryAfter Retry-After 等待上限
const maxRetryAfter = 2 * time.Minute

// retryDelay 第 attempt 次重试前的等待，Retry-After（秒数或 HTTP 日期）优先于指数退避
func (o *HTTPOptions) retryDelay(attempt int, retryAfter string, now time.Time) time.Duration {
	if retryAfter = strings.TrimSpace(retryAfter); retryAfter != "" {
		if secs, err := strconv.ParseInt(retryAfter, 10, 64); err == nil && secs >= 0 {
			if secs > int64(maxRetryAfter/time.Second) {
				return maxRetryAfter
			}
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return min(max(t.Sub(now), 0), maxRetryAfter)
		}
	}
	base, limit := o.RetryBaseDelay, o.RetryMaxDelay
	if base <= 0 {
		return 0
	}
	d := base << attempt
	if d <= 0 || (limit > 0 && d > limit) {
		return limit
	}
	return d
}

// pathData 路径模板可用的变量
type pathData struct {
	Service string
	Entity  string
}

// pathTemplates 按模板文本缓存解析结果
type pathTemplates struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

func (p *pathTemplates) render(text, service, entity string) (string, error) {
	p.mu.Lock()
	if p.cache == nil {
		p.cache = make(map[string]*template.Template)
	}
	tpl, ok := p.cache[text]
	if !ok {
		var err error
		tpl, err = template.New("path").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
		if err != nil {
			p.mu.Unlock()
			return "", err
		}
		p.cache[text] = tpl
	}
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, pathData{Service: service, Entity: entity}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// retryableStatus 限流与网关错误，按退避重试
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isFatalStatus 鉴权失败立即终止整个迁移；限流与服务端错误在重试用尽后终止
func isFatalStatus(code int) bool {
	return code == http.StatusUnauthorized ||
		code == http.StatusForbidden ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// HTTPSource 通过分页列表接口抽取记录
type HTTPSource struct {
	opts      HTTPOptions
	session   *requests.Session
	limiter   *ratelimit.ServiceRateLimiter
	templates pathTemplates
	logger    *logrus.Entry
}

// NewHTTPSource 创建 HTTP 抽取连接器，limiter 为 nil 时不限速
func NewHTTPSource(opts HTTPOptions, client *http.Client, limiter *ratelimit.ServiceRateLimiter) *HTTPSource {
	if opts.IDPath == "" {
		opts.IDPath = "id"
	}
	if opts.LimitParam == "" {
		opts.LimitParam = "limit"
	}
	if opts.CursorParam == "" {
		opts.CursorParam = "cursor"
	}
	return &HTTPSource{
		opts:    opts,
		session: requests.NewSession(client),
		limiter: limiter,
		logger:  logrus.WithField("service", opts.Service),
	}
}

func (s *HTTPSource) fatal(err error) error {
	return &FatalError{Service: s.opts.Service, Op: "fetch", Err: err}
}

func (s *HTTPSource) FetchBatch(ctx context.Context, entity, cursor string, size int) (*Batch, error) {
	path, err := s.templates.render(s.opts.ListPath, s.opts.Service, entity)
	if err != nil {
		return nil, s.fatal(fmt.Errorf("render list path: %w", err))
	}
	args := []requests.RequestOption{requests.Query(s.opts.LimitParam, strconv.Itoa(size))}
	if cursor != "" {
		args = append(args, requests.Query(s.opts.CursorParam, cursor))
	}

	url := strings.TrimRight(s.opts.BaseURL, "/") + path

	var (
		status int
		body   []byte
	)
	for attempt := 0; ; attempt++ {
		if s.limiter != nil && !s.limiter.Wait(ctx, s.opts.Service) {
			return nil, ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := s.session.Get(url, args...)
		if err != nil {
			return nil, s.fatal(err)
		}
		status = resp.StatusCode
		body, err = resp.Bytes()
		if err != nil {
			return nil, s.fatal(err)
		}
		if !retryableStatus(status) || attempt >= s.opts.MaxRetries {
			break
		}
		wait := s.opts.retryDelay(attempt, resp.Header.Get("Retry-After"), time.Now())
		s.logger.WithFields(logrus.Fields{"entity": entity, "status": status, "attempt": attempt + 1}).
			Warnf("list request throttled, retrying in %s", wait)
		if err := utils.SleepContext(ctx, wait); err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, s.fatal(fmt.Errorf("list %s returned %d", entity, status))
	}
	if !gjson.ValidBytes(body) {
		return nil, s.fatal(fmt.Errorf("list %s returned invalid json", entity))
	}

	root := gjson.ParseBytes(body)
	items := root
	if s.opts.RecordsPath != "" {
		items = root.Get(s.opts.RecordsPath)
	}

	batch := &Batch{}
	for _, item := range items.Array() {
		data, ok := item.Value().(map[string]interface{})
		if !ok {
			s.logger.WithField("entity", entity).Warn("skipping non-object record in list response")
			continue
		}
		batch.Records = append(batch.Records, &mapping.SourceRecord{
			ID:            item.Get(s.opts.IDPath).String(),
			SourceService: s.opts.Service,
			SourceEntity:  entity,
			Data:          data,
		})
	}

	if s.opts.TotalPath != "" {
		if t := root.Get(s.opts.TotalPath); t.Exists() {
			total := t.Int()
			batch.Total = &total
		}
	}
	switch {
	case s.opts.NextCursorPath != "":
		batch.NextCursor = root.Get(s.opts.NextCursorPath).String()
	case len(batch.Records) == size:
		// 没有游标字段时按最后一条记录的 id 翻页
		batch.NextCursor = batch.Records[len(batch.Records)-1].ID
	}
	return batch, nil
}

// HTTPSink 通过批量写入接口加载记录
type HTTPSink struct {
	opts      HTTPOptions
	client    *http.Client
	limiter   *ratelimit.ServiceRateLimiter
	templates pathTemplates
	logger    *logrus.Entry
}

// NewHTTPSink 创建 HTTP 加载连接器
func NewHTTPSink(opts HTTPOptions, client *http.Client, limiter *ratelimit.ServiceRateLimiter) *HTTPSink {
	return &HTTPSink{
		opts:    opts,
		client:  client,
		limiter: limiter,
		logger:  logrus.WithField("service", opts.Service),
	}
}

type loadRecord struct {
	SourceID string         `json:"source_id"`
	Data     map[string]any `json:"data"`
}

type loadRequest struct {
	Records []loadRecord `json:"records"`
}

func (s *HTTPSink) fatal(err error) error {
	return &FatalError{Service: s.opts.Service, Op: "load", Err: err}
}

func (s *HTTPSink) LoadBatch(ctx context.Context, entity string, records []*mapping.TransformedRecord) ([]LoadOutcome, error) {
	path, err := s.templates.render(s.opts.LoadPath, s.opts.Service, entity)
	if err != nil {
		return nil, s.fatal(fmt.Errorf("render load path: %w", err))
	}
	payload := loadRequest{Records: make([]loadRecord, 0, len(records))}
	for _, r := range records {
		payload.Records = append(payload.Records, loadRecord{SourceID: r.SourceID, Data: r.Data})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, s.fatal(err)
	}

	url := strings.TrimRight(s.opts.BaseURL, "/") + path

	var (
		status int
		body   []byte
	)
	for attempt := 0; ; attempt++ {
		if s.limiter != nil && !s.limiter.Wait(ctx, s.opts.Service) {
			return nil, ctx.Err()
		}
		var header http.Header
		status, header, body, err = s.post(ctx, url, b)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, s.fatal(err)
		}
		if !retryableStatus(status) || attempt >= s.opts.MaxRetries {
			break
		}
		wait := s.opts.retryDelay(attempt, header.Get("Retry-After"), time.Now())
		s.logger.WithFields(logrus.Fields{"entity": entity, "status": status, "attempt": attempt + 1}).
			Warnf("load request throttled, retrying in %s", wait)
		if err := utils.SleepContext(ctx, wait); err != nil {
			return nil, err
		}
	}

	if isFatalStatus(status) {
		return nil, s.fatal(fmt.Errorf("load %s returned %d", entity, status))
	}
	if status >= 300 {
		// 其他 4xx 视为整批记录被拒绝，交给重试逻辑处理
		reason := fmt.Sprintf("target returned %d", status)
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			reason = msg
		}
		return rejectAll(records, reason), nil
	}
	return s.outcomes(body, records), nil
}

func (s *HTTPSink) post(ctx context.Context, url string, payload []byte) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// outcomes 按 id 匹配结果，没有 id 时按位置匹配；响应不含结果列表表示全部成功
func (s *HTTPSink) outcomes(body []byte, records []*mapping.TransformedRecord) []LoadOutcome {
	var results gjson.Result
	if s.opts.ResultsPath != "" && gjson.ValidBytes(body) {
		results = gjson.GetBytes(body, s.opts.ResultsPath)
	}
	if !results.IsArray() {
		out := make([]LoadOutcome, 0, len(records))
		for _, r := range records {
			out = append(out, LoadOutcome{RecordID: r.SourceID, Loaded: true})
		}
		return out
	}

	items := results.Array()
	byID := make(map[string]gjson.Result, len(items))
	for _, it := range items {
		if id := it.Get("id").String(); id != "" {
			byID[id] = it
		}
	}
	out := make([]LoadOutcome, 0, len(records))
	for i, r := range records {
		it, ok := byID[r.SourceID]
		if !ok && i < len(items) && items[i].Get("id").String() == "" {
			it, ok = items[i], true
		}
		switch {
		case !ok:
			out = append(out, LoadOutcome{RecordID: r.SourceID, Reason: "no result returned"})
		case it.Get("success").Bool():
			out = append(out, LoadOutcome{RecordID: r.SourceID, Loaded: true})
		default:
			reason := it.Get("error").String()
			if reason == "" {
				reason = "rejected by target"
			}
			out = append(out, LoadOutcome{RecordID: r.SourceID, Reason: reason})
		}
	}
	return out
}

func rejectAll(records []*mapping.TransformedRecord, reason string) []LoadOutcome {
	out := make([]LoadOutcome, 0, len(records))
	for _, r := range records {
		out = append(out, LoadOutcome{RecordID: r.SourceID, Reason: reason})
	}
	return out
}
