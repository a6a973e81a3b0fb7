package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/validator"
)

// PreviewRequest 单条记录的转换预览
type PreviewRequest struct {
	SourceService string                 `json:"source_service"`
	SourceEntity  string                 `json:"source_entity"`
	TargetService string                 `json:"target_service"`
	TargetEntity  string                 `json:"target_entity"`
	SourceRecord  map[string]any         `json:"source_record"`
	FieldMappings []mapping.FieldMapping `json:"field_mappings"`
	// JoinedRecords 多源合并时的次级记录，按 source_tag 匹配
	JoinedRecords []mapping.SourceRecord `json:"joined_records,omitempty"`
	// Schema 指定时代替结构提供者中的目标结构
	Schema *mapping.EntitySchema `json:"schema,omitempty"`
}

// PreviewResult 预览结果
type PreviewResult struct {
	SourceData       map[string]any            `json:"source_data"`
	TransformedData  map[string]any            `json:"transformed_data"`
	ValidationErrors []string                  `json:"validation_errors"`
	Errors           []mapping.ValidationError `json:"errors"`
	IsValid          bool                      `json:"is_valid"`
}

// Preview 同步转换并校验一条记录，不加载
// 映射配置错误作为 error 返回，字段级错误体现在结果中
func (m *Manager) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	em := mapping.EntityMapping{
		SourceService: req.SourceService,
		SourceEntity:  req.SourceEntity,
		TargetService: req.TargetService,
		TargetEntity:  req.TargetEntity,
		FieldMappings: req.FieldMappings,
	}
	if err := m.engine.Check(&em); err != nil {
		return nil, err
	}

	schema := req.Schema
	if schema == nil && m.schemas != nil && req.TargetService != "" && req.TargetEntity != "" {
		s, err := m.schemas.GetSchema(ctx, req.TargetService, req.TargetEntity)
		switch {
		case errors.Is(err, connectors.ErrSchemaNotFound):
		case err != nil:
			return nil, fmt.Errorf("schema %s.%s: %w", req.TargetService, req.TargetEntity, err)
		default:
			schema = s
		}
	}

	data := req.SourceRecord
	if data == nil {
		data = map[string]any{}
	}
	id := "preview"
	if v, ok := data["id"]; ok && v != nil {
		id = fmt.Sprint(v)
	}
	records := []*mapping.SourceRecord{{
		ID:            id,
		SourceService: req.SourceService,
		SourceEntity:  req.SourceEntity,
		Data:          data,
	}}
	for i := range req.JoinedRecords {
		records = append(records, &req.JoinedRecords[i])
	}

	out := m.engine.TransformJoined(records, &em)
	valid := validator.Validate(out, schema)

	result := &PreviewResult{
		SourceData:       data,
		TransformedData:  out.Data,
		ValidationErrors: make([]string, 0, len(out.ValidationErrors)),
		Errors:           out.ValidationErrors,
		IsValid:          valid,
	}
	for _, e := range out.ValidationErrors {
		result.ValidationErrors = append(result.ValidationErrors, e.Error())
	}
	return result, nil
}

// PreviewBatch 依次预览多条记录，单条的配置错误转为无效结果
func (m *Manager) PreviewBatch(ctx context.Context, reqs []PreviewRequest) []*PreviewResult {
	results := make([]*PreviewResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := m.Preview(ctx, req)
		if err != nil {
			data := req.SourceRecord
			if data == nil {
				data = map[string]any{}
			}
			res = &PreviewResult{
				SourceData:       data,
				TransformedData:  map[string]any{},
				ValidationErrors: []string{err.Error()},
				Errors:           []mapping.ValidationError{},
				IsValid:          false,
			}
		}
		results = append(results, res)
	}
	return results
}
