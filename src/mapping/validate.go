package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrConfig 映射配置错误，在加载映射时即被拒绝，不会出现在批处理执行过程中
var ErrConfig = errors.New("mapping configuration error")

// ConfigError 描述具体的映射配置错误
type ConfigError struct {
	Mapping string
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: field %q: %s", ErrConfig, e.Mapping, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfig, e.Mapping, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Validate 检查实体映射的结构与每个字段映射的配置
func (m *EntityMapping) Validate() error {
	name := m.StepName()
	switch {
	case m.SourceEntity == "":
		return &ConfigError{Mapping: name, Reason: "source_entity is required"}
	case m.TargetEntity == "":
		return &ConfigError{Mapping: name, Reason: "target_entity is required"}
	case len(m.FieldMappings) == 0:
		return &ConfigError{Mapping: name, Reason: "at least one field mapping is required"}
	}
	seen := make(map[string]struct{}, len(m.FieldMappings))
	for i := range m.FieldMappings {
		fm := &m.FieldMappings[i]
		if fm.TargetField == "" {
			return &ConfigError{Mapping: name, Field: fmt.Sprintf("#%d", i), Reason: "target_field is required"}
		}
		if _, dup := seen[fm.TargetField]; dup {
			return &ConfigError{Mapping: name, Field: fm.TargetField, Reason: "duplicate target_field"}
		}
		seen[fm.TargetField] = struct{}{}
		if err := fm.Validate(); err != nil {
			return &ConfigError{Mapping: name, Field: fm.TargetField, Reason: err.Error()}
		}
	}
	return nil
}

// Validate 检查转换类型是否已知以及配置是否符合该类型的要求
func (fm *FieldMapping) Validate() error {
	kind := fm.Kind()
	if !kind.IsValid() {
		return fmt.Errorf("unknown transform kind %q", kind)
	}
	if fm.SourceField == "" && needsSourceField(kind) {
		return fmt.Errorf("source_field is required for %s", kind)
	}
	schema, err := configSchema(kind)
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	cfg := fm.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return fmt.Errorf("invalid config for %s: %w", kind, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid config for %s: %s", kind, strings.Join(msgs, "; "))
	}
	return nil
}

// 这些类型的取值不依赖 source_field
func needsSourceField(kind TransformKind) bool {
	switch kind {
	case KindConcat, KindTemplate, KindComputed, KindNestedGet, KindDefault:
		return false
	}
	return true
}

// ValidateAll 依次校验多个实体映射
func ValidateAll(mappings []EntityMapping) error {
	if len(mappings) == 0 {
		return fmt.Errorf("%w: no entity mappings", ErrConfig)
	}
	for i := range mappings {
		if err := mappings[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
