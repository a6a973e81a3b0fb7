// Package connectors 定义抽取、加载、结构查询三类外部协作者，并提供内存与 HTTP 实现
package connectors

//go:generate go run go.uber.org/mock/mockgen -package pipeline -destination ../pipeline/mock_connectors_test.go github.com/recordbridge/recordbridge/src/connectors Extractor,Loader,SchemaProvider

import (
	"context"
	"errors"
	"fmt"

	"github.com/recordbridge/recordbridge/src/mapping"
)

var (
	// ErrSchemaNotFound 结构提供者中不存在该实体
	ErrSchemaNotFound = errors.New("schema not found")
	// ErrConnectorNotFound 没有为该服务注册连接器
	ErrConnectorNotFound = errors.New("connector not found")
)

// FatalError 连接器级致命错误（鉴权、配额、传输失败），会终止整个迁移
type FatalError struct {
	Service string
	Op      string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Batch 一次抽取的结果，Records 为空表示该实体已抽取完毕
type Batch struct {
	Records    []*mapping.SourceRecord
	NextCursor string
	// Total 源端报告的记录总数，nil 表示未知
	Total *int64
}

// LoadOutcome 单条记录的加载结果
type LoadOutcome struct {
	RecordID string `json:"record_id"`
	Loaded   bool   `json:"loaded"`
	Reason   string `json:"reason,omitempty"`
}

// Extractor 源端抽取连接器
type Extractor interface {
	FetchBatch(ctx context.Context, entity, cursor string, size int) (*Batch, error)
}

// Loader 目标端加载连接器
// 返回的 error 表示连接器级致命错误，与单条记录失败区分
type Loader interface {
	LoadBatch(ctx context.Context, entity string, records []*mapping.TransformedRecord) ([]LoadOutcome, error)
}

// SchemaProvider 目标实体结构提供者
type SchemaProvider interface {
	GetSchema(ctx context.Context, service, entity string) (*mapping.EntitySchema, error)
}
