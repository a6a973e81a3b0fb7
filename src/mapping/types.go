package mapping

import (
	"fmt"
)

// TransformKind 字段转换类型，取值封闭，未知类型在加载映射时即报错
type TransformKind string

const (
	KindDirect          TransformKind = "direct"
	KindPrefixAdd       TransformKind = "prefix_add"
	KindPrefixStrip     TransformKind = "prefix_strip"
	KindSplitName       TransformKind = "split_name"
	KindEnumMap         TransformKind = "enum_map"
	KindISOToUnix       TransformKind = "iso_to_unix"
	KindUnixToISO       TransformKind = "unix_to_iso"
	KindCountryCode     TransformKind = "country_code"
	KindCurrencyConvert TransformKind = "currency_convert"
	KindConcat          TransformKind = "concat"
	KindTemplate        TransformKind = "template"
	KindDefault         TransformKind = "default"
	KindComputed        TransformKind = "computed"
	KindUppercase       TransformKind = "uppercase"
	KindLowercase       TransformKind = "lowercase"
	KindTrim            TransformKind = "trim"
	KindNestedGet       TransformKind = "nested_get"
)

// IsValid 判断转换类型是否为已知类型
func (k TransformKind) IsValid() bool {
	_, ok := kindIndex[k]
	return ok
}

// FieldMapping 单个源字段到目标字段的映射规则
type FieldMapping struct {
	SourceField string         `json:"source_field" yaml:"source_field" toml:"source_field"`
	TargetField string         `json:"target_field" yaml:"target_field" toml:"target_field"`
	Transform   TransformKind  `json:"transform" yaml:"transform" toml:"transform"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty" toml:"config,omitempty"`
	Notes       string         `json:"notes,omitempty" yaml:"notes,omitempty" toml:"notes,omitempty"`
	// SourceTag 多源合并时指定取值的次级源（匹配源记录的 service 或 entity）
	SourceTag string `json:"source_tag,omitempty" yaml:"source_tag,omitempty" toml:"source_tag,omitempty"`
}

// Kind 返回生效的转换类型，未填写时为 direct
func (fm *FieldMapping) Kind() TransformKind {
	if fm.Transform == "" {
		return KindDirect
	}
	return fm.Transform
}

// EntityMapping 源实体到目标实体的映射
type EntityMapping struct {
	SourceService string         `json:"source_service" yaml:"source_service" toml:"source_service"`
	SourceEntity  string         `json:"source_entity" yaml:"source_entity" toml:"source_entity"`
	TargetService string         `json:"target_service" yaml:"target_service" toml:"target_service"`
	TargetEntity  string         `json:"target_entity" yaml:"target_entity" toml:"target_entity"`
	FieldMappings []FieldMapping `json:"field_mappings" yaml:"field_mappings" toml:"field_mappings"`
}

// StepName 返回该映射在进度事件中的步骤名
func (m *EntityMapping) StepName() string {
	return fmt.Sprintf("%s.%s -> %s.%s", m.SourceService, m.SourceEntity, m.TargetService, m.TargetEntity)
}

// SourceRecord 从源服务抽取的一条记录，对转换引擎只读
type SourceRecord struct {
	ID            string         `json:"id"`
	SourceService string         `json:"source_service"`
	SourceEntity  string         `json:"source_entity"`
	Data          map[string]any `json:"data"`
}

// ValidationError 字段级校验错误
type ValidationError struct {
	Field     string        `json:"field"`
	Transform TransformKind `json:"transform,omitempty"`
	Message   string        `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Transform != "" {
		return fmt.Sprintf("%s (%s): %s", e.Field, e.Transform, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TransformedRecord 转换后的目标记录
type TransformedRecord struct {
	SourceID         string            `json:"source_id"`
	TargetService    string            `json:"target_service"`
	TargetEntity     string            `json:"target_entity"`
	Data             map[string]any    `json:"data"`
	ValidationErrors []ValidationError `json:"validation_errors"`
}

// AddError 追加一条校验错误
func (r *TransformedRecord) AddError(field string, kind TransformKind, format string, args ...any) {
	r.ValidationErrors = append(r.ValidationErrors, ValidationError{
		Field:     field,
		Transform: kind,
		Message:   fmt.Sprintf(format, args...),
	})
}

// IsValid 没有任何校验错误时可加载
func (r *TransformedRecord) IsValid() bool {
	return len(r.ValidationErrors) == 0
}
