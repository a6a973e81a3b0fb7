package mapping

// FieldType 目标字段声明的类型
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeNumber   FieldType = "number"
	TypeBoolean  FieldType = "boolean"
	TypeObject   FieldType = "object"
	TypeArray    FieldType = "array"
	TypeDate     FieldType = "date"
	TypeDatetime FieldType = "datetime"
	TypeAny      FieldType = "any"
)

// FieldSchema 目标实体字段定义
type FieldSchema struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	// Rules 类型通过后再检查的格式规则，写法同 validator 标签，如 email、len=3、oneof=a b
	Rules string `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// EntitySchema 实体结构定义
type EntitySchema struct {
	Service string        `json:"service" yaml:"service"`
	Entity  string        `json:"entity" yaml:"entity"`
	Fields  []FieldSchema `json:"fields" yaml:"fields"`
}

// Field 按名称查找字段定义
func (s *EntitySchema) Field(name string) (*FieldSchema, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}
