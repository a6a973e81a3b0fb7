package connectors

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/recordbridge/recordbridge/src/mapping"
)

// MemorySource 基于内存数据的抽取连接器，游标为记录偏移量
type MemorySource struct {
	service string

	mu      sync.RWMutex
	records map[string][]map[string]any
}

// NewMemorySource 创建内存抽取连接器
func NewMemorySource(service string) *MemorySource {
	return &MemorySource{
		service: service,
		records: make(map[string][]map[string]any),
	}
}

// Add 追加实体记录，记录的 id 字段作为源记录标识
func (s *MemorySource) Add(entity string, data ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[entity] = append(s.records[entity], data...)
}

// Len 返回实体记录数
func (s *MemorySource) Len(entity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entity])
}

func (s *MemorySource) FetchBatch(ctx context.Context, entity, cursor string, size int) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, &FatalError{Service: s.service, Op: "fetch", Err: fmt.Errorf("invalid cursor %q", cursor)}
		}
		offset = n
	}
	if size <= 0 {
		size = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.records[entity]
	total := int64(len(all))
	batch := &Batch{Total: &total}
	if offset >= len(all) {
		return batch, nil
	}
	end := min(offset+size, len(all))
	for i := offset; i < end; i++ {
		batch.Records = append(batch.Records, &mapping.SourceRecord{
			ID:            recordID(all[i], i),
			SourceService: s.service,
			SourceEntity:  entity,
			Data:          all[i],
		})
	}
	if end < len(all) {
		batch.NextCursor = strconv.Itoa(end)
	}
	return batch, nil
}

func recordID(data map[string]any, index int) string {
	if v, ok := data["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return strconv.Itoa(index)
}

// LoadCall 一次 LoadBatch 调用的记录
type LoadCall struct {
	Entity    string
	RecordIDs []string
}

// MemorySink 基于内存的加载连接器，可注入单条失败与致命错误
type MemorySink struct {
	service string

	mu       sync.Mutex
	loaded   map[string][]*mapping.TransformedRecord
	failures map[string]int
	fatal    error
	calls    []LoadCall
}

// NewMemorySink 创建内存加载连接器
func NewMemorySink(service string) *MemorySink {
	return &MemorySink{
		service:  service,
		loaded:   make(map[string][]*mapping.TransformedRecord),
		failures: make(map[string]int),
	}
}

// FailRecord 令指定源记录的前 times 次加载失败，times < 0 表示永远失败
func (s *MemorySink) FailRecord(sourceID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[sourceID] = times
}

// FailWith 之后的每次 LoadBatch 都返回该致命错误，nil 表示恢复
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = err
}

func (s *MemorySink) LoadBatch(ctx context.Context, entity string, records []*mapping.TransformedRecord) ([]LoadOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	call := LoadCall{Entity: entity}
	for _, r := range records {
		call.RecordIDs = append(call.RecordIDs, r.SourceID)
	}
	s.calls = append(s.calls, call)

	if s.fatal != nil {
		return nil, &FatalError{Service: s.service, Op: "load", Err: s.fatal}
	}

	outcomes := make([]LoadOutcome, 0, len(records))
	for _, r := range records {
		if n, ok := s.failures[r.SourceID]; ok && n != 0 {
			if n > 0 {
				s.failures[r.SourceID] = n - 1
			}
			outcomes = append(outcomes, LoadOutcome{RecordID: r.SourceID, Reason: "rejected by target"})
			continue
		}
		s.loaded[entity] = append(s.loaded[entity], r)
		outcomes = append(outcomes, LoadOutcome{RecordID: r.SourceID, Loaded: true})
	}
	return outcomes, nil
}

// Loaded 返回实体已加载的记录
func (s *MemorySink) Loaded(entity string) []*mapping.TransformedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*mapping.TransformedRecord, len(s.loaded[entity]))
	copy(out, s.loaded[entity])
	return out
}

// Calls 返回 LoadBatch 的调用记录
func (s *MemorySink) Calls() []LoadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoadCall, len(s.calls))
	copy(out, s.calls)
	return out
}
