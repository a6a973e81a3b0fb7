package connectors

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/recordbridge/recordbridge/src/mapping"
)

// 多种类型并存时按此顺序取第一个出现的类型
var inferPriority = []mapping.FieldType{
	mapping.TypeString,
	mapping.TypeInteger,
	mapping.TypeNumber,
	mapping.TypeBoolean,
	mapping.TypeArray,
	mapping.TypeObject,
}

// InferSchema 根据样本记录推断实体结构
// 字段按名称排序；出现在全部样本中的字段为必填；sample 为每个字段第一个非空值
func InferSchema(service, entity string, samples []map[string]any) (*mapping.EntitySchema, map[string]any, error) {
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("%w: no sample data provided", mapping.ErrConfig)
	}

	seen := make(map[string]map[mapping.FieldType]struct{})
	present := make(map[string]int)
	sample := make(map[string]any)
	for _, rec := range samples {
		for name, v := range rec {
			types, ok := seen[name]
			if !ok {
				types = make(map[mapping.FieldType]struct{})
				seen[name] = types
			}
			types[typeOf(v)] = struct{}{}
			present[name]++
			if _, ok := sample[name]; !ok && v != nil {
				sample[name] = v
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := &mapping.EntitySchema{Service: service, Entity: entity}
	for _, name := range names {
		ft := mapping.TypeString
		for _, t := range inferPriority {
			if _, ok := seen[name][t]; ok {
				ft = t
				break
			}
		}
		schema.Fields = append(schema.Fields, mapping.FieldSchema{
			Name:        name,
			Type:        ft,
			Required:    present[name] == len(samples),
			Description: fmt.Sprintf("Auto-inferred from %d samples", len(samples)),
		})
	}
	return schema, sample, nil
}

// typeOf 返回值的结构类型，nil 视为字符串
func typeOf(v any) mapping.FieldType {
	switch x := v.(type) {
	case nil, string:
		return mapping.TypeString
	case bool:
		return mapping.TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return mapping.TypeInteger
	case float32:
		return floatType(float64(x))
	case float64:
		return floatType(x)
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return mapping.TypeInteger
		}
		return mapping.TypeNumber
	case []any:
		return mapping.TypeArray
	case map[string]any:
		return mapping.TypeObject
	}
	return mapping.TypeString
}

func floatType(f float64) mapping.FieldType {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return mapping.TypeInteger
	}
	return mapping.TypeNumber
}
