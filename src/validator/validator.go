// Package validator 按目标实体结构校验转换后的记录
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	playground "github.com/go-playground/validator/v10"

	"github.com/recordbridge/recordbridge/src/mapping"
)

// rules 执行字段上声明的格式规则，可并发使用
var rules = playground.New()

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Validate 将结构校验结果合并进记录已有的转换错误，返回记录是否可加载
// schema 为 nil 时只保留转换阶段产生的错误
func Validate(rec *mapping.TransformedRecord, schema *mapping.EntitySchema) bool {
	if schema == nil {
		return rec.IsValid()
	}
	failed := make(map[string]struct{}, len(rec.ValidationErrors))
	for _, e := range rec.ValidationErrors {
		failed[e.Field] = struct{}{}
	}
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if _, ok := failed[f.Name]; ok {
			// 转换已失败的字段不重复报错
			continue
		}
		v, present := rec.Data[f.Name]
		if !present || isBlank(v) {
			if f.Required {
				rec.AddError(f.Name, "", "required field is missing or empty")
			}
			continue
		}
		if err := checkType(v, f.Type); err != nil {
			rec.AddError(f.Name, "", "%v", err)
			continue
		}
		if f.Rules == "" {
			continue
		}
		rule, err := runRules(v, f.Rules)
		switch {
		case err != nil:
			rec.AddError(f.Name, "", "%v", err)
		case rule != "":
			rec.AddError(f.Name, "", "value does not satisfy %s", rule)
		}
	}
	return rec.IsValid()
}

// CheckRules 检查规则写法，含未知规则时返回错误
func CheckRules(tag string) error {
	_, err := runRules("", tag)
	return err
}

// runRules 返回第一条未通过的规则（含参数），规则本身无效时返回 error
func runRules(v any, tag string) (rule string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rules %q: %v", tag, r)
		}
	}()
	verr := rules.Var(v, tag)
	if verr == nil {
		return "", nil
	}
	var fes playground.ValidationErrors
	if !errors.As(verr, &fes) || len(fes) == 0 {
		return "", verr
	}
	if p := fes[0].Param(); p != "" {
		return fes[0].Tag() + "=" + p, nil
	}
	return fes[0].Tag(), nil
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func checkType(v any, t mapping.FieldType) error {
	ok := true
	switch t {
	case mapping.TypeString:
		_, ok = v.(string)
	case mapping.TypeInteger:
		ok = isInteger(v)
	case mapping.TypeNumber:
		ok = isNumber(v)
	case mapping.TypeBoolean:
		_, ok = v.(bool)
	case mapping.TypeObject:
		ok = kindOf(v) == reflect.Map
	case mapping.TypeArray:
		k := kindOf(v)
		ok = k == reflect.Slice || k == reflect.Array
	case mapping.TypeDate, mapping.TypeDatetime:
		ok = isDate(v)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("expected %s, got %s", t, describe(v))
	}
	return nil
}

func kindOf(v any) reflect.Kind {
	return reflect.ValueOf(v).Kind()
}

func isInteger(v any) bool {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return float64(x) == math.Trunc(float64(x))
	case float64:
		return x == math.Trunc(x) && !math.IsInf(x, 0)
	case json.Number:
		_, err := x.Int64()
		if err == nil {
			return true
		}
		f, err := x.Float64()
		return err == nil && f == math.Trunc(f)
	case string:
		_, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return err == nil
	}
	return false
}

func isNumber(v any) bool {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return true
	case float64:
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	case json.Number:
		_, err := x.Float64()
		return err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return false
}

func isDate(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return true
		}
	}
	return false
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	}
	switch kindOf(v) {
	case reflect.Map:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
