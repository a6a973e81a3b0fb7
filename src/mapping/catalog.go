package mapping

import (
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ConfigOption 转换配置项说明
type ConfigOption struct {
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
	Default  any      `json:"default,omitempty"`
}

// TransformType 对外展示的转换类型目录项
type TransformType struct {
	Name         TransformKind           `json:"name"`
	Description  string                  `json:"description"`
	ConfigSchema map[string]ConfigOption `json:"config_schema"`
}

var transformTypes = []TransformType{
	{Name: KindDirect, Description: "Copy value as-is"},
	{Name: KindPrefixAdd, Description: "Add a prefix to the value", ConfigSchema: map[string]ConfigOption{
		"prefix": {Type: "string", Required: true},
	}},
	{Name: KindPrefixStrip, Description: "Remove a prefix from the value", ConfigSchema: map[string]ConfigOption{
		"prefix": {Type: "string", Required: true},
	}},
	{Name: KindSplitName, Description: "Split a full name into parts", ConfigSchema: map[string]ConfigOption{
		"part": {Type: "string", Required: true, Enum: []string{"first", "last", "middle"}},
	}},
	{Name: KindEnumMap, Description: "Map enum values to different values", ConfigSchema: map[string]ConfigOption{
		"mapping": {Type: "object", Required: true},
	}},
	{Name: KindISOToUnix, Description: "Convert ISO date to Unix timestamp"},
	{Name: KindUnixToISO, Description: "Convert Unix timestamp to ISO date"},
	{Name: KindCountryCode, Description: "Convert country name to ISO code"},
	{Name: KindCurrencyConvert, Description: "Convert currency amounts", ConfigSchema: map[string]ConfigOption{
		"from_cents": {Type: "boolean"},
		"to_cents":   {Type: "boolean"},
	}},
	{Name: KindConcat, Description: "Concatenate multiple fields", ConfigSchema: map[string]ConfigOption{
		"fields":    {Type: "array", Required: true},
		"separator": {Type: "string", Default: " "},
	}},
	{Name: KindTemplate, Description: "Apply string template", ConfigSchema: map[string]ConfigOption{
		"template": {Type: "string", Required: true},
	}},
	{Name: KindDefault, Description: "Set a default value if source is empty", ConfigSchema: map[string]ConfigOption{
		"value": {Type: "any", Required: true},
	}},
	{Name: KindComputed, Description: "Compute value from a sandboxed expression", ConfigSchema: map[string]ConfigOption{
		"expression": {Type: "string", Required: true},
	}},
	{Name: KindUppercase, Description: "Convert to uppercase"},
	{Name: KindLowercase, Description: "Convert to lowercase"},
	{Name: KindTrim, Description: "Trim whitespace"},
	{Name: KindNestedGet, Description: "Get value from nested path", ConfigSchema: map[string]ConfigOption{
		"path": {Type: "string", Required: true},
	}},
}

var kindIndex = func() map[TransformKind]int {
	m := make(map[TransformKind]int, len(transformTypes))
	for i, t := range transformTypes {
		m[t.Name] = i
	}
	return m
}()

// TransformTypes 返回全部转换类型目录
func TransformTypes() []TransformType {
	out := make([]TransformType, len(transformTypes))
	copy(out, transformTypes)
	return out
}

// Kinds 返回全部已知转换类型
func Kinds() []TransformKind {
	out := make([]TransformKind, 0, len(transformTypes))
	for _, t := range transformTypes {
		out = append(out, t.Name)
	}
	return out
}

var (
	configSchemasOnce sync.Once
	configSchemas     map[TransformKind]*gojsonschema.Schema
	configSchemasErr  error
)

// configSchema 返回某转换类型配置的 JSON Schema（按目录生成，只编译一次）
func configSchema(kind TransformKind) (*gojsonschema.Schema, error) {
	configSchemasOnce.Do(func() {
		configSchemas = make(map[TransformKind]*gojsonschema.Schema, len(transformTypes))
		for _, t := range transformTypes {
			s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(buildJSONSchema(t)))
			if err != nil {
				configSchemasErr = err
				return
			}
			configSchemas[t.Name] = s
		}
	})
	if configSchemasErr != nil {
		return nil, configSchemasErr
	}
	return configSchemas[kind], nil
}

func buildJSONSchema(t TransformType) map[string]any {
	props := make(map[string]any, len(t.ConfigSchema))
	required := make([]string, 0)
	for name, opt := range t.ConfigSchema {
		prop := map[string]any{}
		switch opt.Type {
		case "any":
		case "array":
			prop["type"] = "array"
			prop["minItems"] = 1
			prop["items"] = map[string]any{"type": "string"}
		case "string":
			prop["type"] = "string"
			if opt.Required {
				prop["minLength"] = 1
			}
		default:
			prop["type"] = opt.Type
		}
		if len(opt.Enum) > 0 {
			prop["enum"] = opt.Enum
		}
		props[name] = prop
		if opt.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
