package transform

import (
	"fmt"
	"strings"
	"sync"

	"github.com/recordbridge/recordbridge/src/mapping"
)

// Engine 字段级转换引擎
// 无网络与磁盘访问，相同输入得到相同输出；compiled 表达式按原文缓存，可并发使用
type Engine struct {
	programs sync.Map // string -> *Program
}

// NewEngine 创建转换引擎
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) program(expr string) (*Program, error) {
	if p, ok := e.programs.Load(expr); ok {
		return p.(*Program), nil
	}
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	actual, _ := e.programs.LoadOrStore(expr, p)
	return actual.(*Program), nil
}

// Check 在处理任何记录之前检查映射配置，未知转换类型与非法表达式都会被拒绝
func (e *Engine) Check(m *mapping.EntityMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	for i := range m.FieldMappings {
		fm := &m.FieldMappings[i]
		if fm.Kind() != mapping.KindComputed {
			continue
		}
		if _, err := e.program(configString(fm.Config, "expression")); err != nil {
			return &mapping.ConfigError{Mapping: m.StepName(), Field: fm.TargetField, Reason: err.Error()}
		}
	}
	return nil
}

// CheckAll 依次检查多个映射
func (e *Engine) CheckAll(mappings []mapping.EntityMapping) error {
	if err := mapping.ValidateAll(mappings); err != nil {
		return err
	}
	for i := range mappings {
		if err := e.Check(&mappings[i]); err != nil {
			return err
		}
	}
	return nil
}

// Transform 按实体映射转换单条记录
// 每个字段映射独立求值，单个字段失败只记录为校验错误，总是返回一条记录
func (e *Engine) Transform(rec *mapping.SourceRecord, m *mapping.EntityMapping) *mapping.TransformedRecord {
	return e.TransformJoined([]*mapping.SourceRecord{rec}, m)
}

// TransformJoined 多源合并转换，第一条为主记录，带 source_tag 的字段从匹配的次级记录取值
func (e *Engine) TransformJoined(records []*mapping.SourceRecord, m *mapping.EntityMapping) *mapping.TransformedRecord {
	primary := &mapping.SourceRecord{}
	if len(records) > 0 && records[0] != nil {
		primary = records[0]
	}
	out := &mapping.TransformedRecord{
		SourceID:         primary.ID,
		TargetService:    m.TargetService,
		TargetEntity:     m.TargetEntity,
		Data:             make(map[string]any, len(m.FieldMappings)),
		ValidationErrors: []mapping.ValidationError{},
	}
	for i := range m.FieldMappings {
		fm := &m.FieldMappings[i]
		src := primary
		if fm.SourceTag != "" {
			src = pickSource(records, fm.SourceTag)
			if src == nil {
				out.AddError(fm.TargetField, fm.Kind(), "no joined record for source tag %q", fm.SourceTag)
				continue
			}
		}
		value, found := Lookup(src.Data, fm.SourceField)
		result, err := e.apply(fm, value, src.Data)
		if err != nil {
			out.AddError(fm.TargetField, fm.Kind(), "%v", err)
			continue
		}
		if result != nil || found {
			out.Data[fm.TargetField] = result
		}
	}
	return out
}

func pickSource(records []*mapping.SourceRecord, tag string) *mapping.SourceRecord {
	for _, r := range records {
		if r == nil {
			continue
		}
		if strings.EqualFold(r.SourceService, tag) || strings.EqualFold(r.SourceEntity, tag) {
			return r
		}
	}
	return nil
}

// apply 对单个字段执行转换，每种类型对应一个分支
func (e *Engine) apply(fm *mapping.FieldMapping, v any, data map[string]any) (any, error) {
	cfg := fm.Config
	switch kind := fm.Kind(); kind {
	case mapping.KindDirect:
		return v, nil
	case mapping.KindPrefixAdd:
		prefix := configString(cfg, "prefix")
		return mapString(v, func(s string) string { return prefix + s })
	case mapping.KindPrefixStrip:
		prefix := configString(cfg, "prefix")
		return mapString(v, func(s string) string { return strings.TrimPrefix(s, prefix) })
	case mapping.KindSplitName:
		return splitName(v, configString(cfg, "part"))
	case mapping.KindEnumMap:
		return enumMap(v, cfg["mapping"]), nil
	case mapping.KindISOToUnix:
		return isoToUnix(v)
	case mapping.KindUnixToISO:
		return unixToISO(v)
	case mapping.KindCountryCode:
		return countryCode(v), nil
	case mapping.KindCurrencyConvert:
		return currencyConvert(v, configBool(cfg, "from_cents"), configBool(cfg, "to_cents"))
	case mapping.KindConcat:
		sep := " "
		if s, ok := cfg["separator"].(string); ok {
			sep = s
		}
		return concat(data, configStrings(cfg, "fields"), sep), nil
	case mapping.KindTemplate:
		return renderTemplate(data, configString(cfg, "template")), nil
	case mapping.KindDefault:
		if isEmpty(v) {
			return cfg["value"], nil
		}
		return v, nil
	case mapping.KindComputed:
		p, err := e.program(configString(cfg, "expression"))
		if err != nil {
			return nil, err
		}
		return p.Eval(data)
	case mapping.KindUppercase:
		return mapString(v, upper)
	case mapping.KindLowercase:
		return mapString(v, lower)
	case mapping.KindTrim:
		return mapString(v, strings.TrimSpace)
	case mapping.KindNestedGet:
		out, _ := Lookup(data, configString(cfg, "path"))
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform kind %q", kind)
	}
}
