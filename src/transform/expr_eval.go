package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// 求值预算：任一中间字符串与数值的规模上限
const (
	maxStringBytes = 64 << 10
	maxNumberExp   = 1000
	maxNumberBits  = 3400
	maxRoundPlaces = 28
)

var (
	errDivByZero      = errors.New("division by zero")
	errStringTooLong  = fmt.Errorf("string result exceeds %d bytes", maxStringBytes)
	errNumberTooLarge = errors.New("number magnitude out of range")
)

// checkNumber 指数或有效位过大的数在重标度时会耗尽 CPU 与内存
func checkNumber(d decimal.Decimal) error {
	if e := d.Exponent(); e > maxNumberExp || e < -maxNumberExp {
		return errNumberTooLarge
	}
	if d.Coefficient().BitLen() > maxNumberBits {
		return errNumberTooLarge
	}
	return nil
}

// checkResult 检查表达式产生的中间结果
func checkResult(v any) error {
	switch x := v.(type) {
	case string:
		if len(x) > maxStringBytes {
			return errStringTooLong
		}
	case decimal.Decimal:
		return checkNumber(x)
	}
	return nil
}

// EvalError computed 表达式求值错误
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

type node interface {
	eval(fields map[string]any) (any, error)
}

type literalNode struct{ v any }

type fieldNode struct{ path string }

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op          string
	left, right node
}

type condNode struct{ cond, then, els node }

type callNode struct {
	name string
	fn   builtin
	args []node
}

// Eval 在只包含当前记录字段的环境中求值
func (p *Program) Eval(fields map[string]any) (any, error) {
	v, err := p.root.eval(fields)
	if err != nil {
		return nil, &EvalError{Expr: p.src, Err: err}
	}
	return export(v), nil
}

func (n *literalNode) eval(map[string]any) (any, error) { return n.v, nil }

func (n *fieldNode) eval(fields map[string]any) (any, error) {
	v, _ := Lookup(fields, n.path)
	return fieldValue(v)
}

// fieldValue 读取记录字段，数值需在预算内
func fieldValue(v any) (any, error) {
	v = normalize(v)
	if d, ok := v.(decimal.Decimal); ok {
		if err := checkNumber(d); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (n *unaryNode) eval(fields map[string]any) (any, error) {
	x, err := n.x.eval(fields)
	if err != nil {
		return nil, err
	}
	if n.op == "!" {
		return !truthy(x), nil
	}
	d, ok := x.(decimal.Decimal)
	if !ok {
		return nil, fmt.Errorf("cannot negate %s", typeName(x))
	}
	return d.Neg(), nil
}

func (n *condNode) eval(fields map[string]any) (any, error) {
	c, err := n.cond.eval(fields)
	if err != nil {
		return nil, err
	}
	if truthy(c) {
		return n.then.eval(fields)
	}
	return n.els.eval(fields)
}

func (n *binaryNode) eval(fields map[string]any) (any, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(fields)
		return truthy(r), err
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(fields)
		return truthy(r), err
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "+":
		_, ls := l.(string)
		_, rs := r.(string)
		if ls || rs {
			a, b := stringify(export(l)), stringify(export(r))
			if len(a)+len(b) > maxStringBytes {
				return nil, errStringTooLong
			}
			return a + b, nil
		}
	}
	v, err := arith(n.op, l, r)
	if err != nil {
		return nil, err
	}
	if err := checkResult(v); err != nil {
		return nil, err
	}
	return v, nil
}

func arith(op string, l, r any) (any, error) {
	a, ok1 := l.(decimal.Decimal)
	b, ok2 := r.(decimal.Decimal)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %s not defined on %s and %s", op, typeName(l), typeName(r))
	}
	switch op {
	case "+":
		return a.Add(b), nil
	case "-":
		return a.Sub(b), nil
	case "*":
		return a.Mul(b), nil
	case "/":
		if b.IsZero() {
			return nil, errDivByZero
		}
		return a.Div(b), nil
	case "%":
		if b.IsZero() {
			return nil, errDivByZero
		}
		return a.Mod(b), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func compare(op string, l, r any) (any, error) {
	var c int
	switch a := l.(type) {
	case decimal.Decimal:
		b, ok := r.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("cannot compare %s with %s", typeName(l), typeName(r))
		}
		c = a.Cmp(b)
	case string:
		b, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare %s with %s", typeName(l), typeName(r))
		}
		c = strings.Compare(a, b)
	default:
		return nil, fmt.Errorf("cannot compare %s with %s", typeName(l), typeName(r))
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	}
	return c >= 0, nil
}

func equal(l, r any) bool {
	if a, ok := l.(decimal.Decimal); ok {
		b, ok := r.(decimal.Decimal)
		return ok && a.Equal(b)
	}
	return reflect.DeepEqual(l, r)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case decimal.Decimal:
		return !x.IsZero()
	case string:
		return x != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case decimal.Decimal:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	return fmt.Sprintf("%T", v)
}

// normalize 将记录中的数值统一为 decimal
func normalize(v any) any {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		if d, err := toDecimal(v); err == nil {
			return d
		}
	}
	return v
}

// export 将内部 decimal 转回整数或浮点数
func export(v any) any {
	d, ok := v.(decimal.Decimal)
	if !ok {
		return v
	}
	if d.Equal(d.Truncate(0)) && d.Abs().LessThan(decimal.New(1, 18)) {
		return d.IntPart()
	}
	f, _ := d.Float64()
	return f
}

type builtin struct {
	minArgs int
	maxArgs int // -1 表示不限
	call    func(fields map[string]any, args []any) (any, error)
}

func (n *callNode) eval(fields map[string]any) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(fields)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	v, err := n.fn.call(fields, args)
	if err == nil {
		err = checkResult(v)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

func strArg(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return asString(export(v))
}

func numArg(v any) (decimal.Decimal, error) {
	d, ok := v.(decimal.Decimal)
	if !ok {
		var err error
		if d, err = toDecimal(v); err != nil {
			return d, err
		}
	}
	return d, checkNumber(d)
}

func stringFn(fn func(string) string) builtin {
	return builtin{1, 1, func(_ map[string]any, args []any) (any, error) {
		s, err := strArg(args[0])
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}}
}

func predicateFn(fn func(s, sub string) bool) builtin {
	return builtin{2, 2, func(_ map[string]any, args []any) (any, error) {
		s, err := strArg(args[0])
		if err != nil {
			return nil, err
		}
		sub, err := strArg(args[1])
		if err != nil {
			return nil, err
		}
		return fn(s, sub), nil
	}}
}

func extremeFn(wantLess bool) builtin {
	return builtin{1, -1, func(_ map[string]any, args []any) (any, error) {
		best, err := numArg(args[0])
		if err != nil {
			return nil, err
		}
		for _, a := range args[1:] {
			d, err := numArg(a)
			if err != nil {
				return nil, err
			}
			if d.LessThan(best) == wantLess && !d.Equal(best) {
				best = d
			}
		}
		return best, nil
	}}
}

// builtins 表达式可调用的纯函数白名单
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"upper": stringFn(upper),
		"lower": stringFn(lower),
		"trim":  stringFn(strings.TrimSpace),
		"len": {1, 1, func(_ map[string]any, args []any) (any, error) {
			switch x := args[0].(type) {
			case nil:
				return decimal.Zero, nil
			case string:
				return decimal.NewFromInt(int64(utf8.RuneCountInString(x))), nil
			}
			rv := reflect.ValueOf(args[0])
			switch rv.Kind() {
			case reflect.Map, reflect.Slice, reflect.Array:
				return decimal.NewFromInt(int64(rv.Len())), nil
			}
			return nil, fmt.Errorf("len of %s", typeName(args[0]))
		}},
		"str": {1, 1, func(_ map[string]any, args []any) (any, error) {
			return stringify(export(args[0])), nil
		}},
		"num": {1, 1, func(_ map[string]any, args []any) (any, error) {
			return numArg(args[0])
		}},
		"int": {1, 1, func(_ map[string]any, args []any) (any, error) {
			d, err := numArg(args[0])
			if err != nil {
				return nil, err
			}
			return d.Truncate(0), nil
		}},
		"round": {1, 2, func(_ map[string]any, args []any) (any, error) {
			d, err := numArg(args[0])
			if err != nil {
				return nil, err
			}
			places := int32(0)
			if len(args) == 2 {
				p, err := numArg(args[1])
				if err != nil {
					return nil, err
				}
				if p.Abs().GreaterThan(decimal.NewFromInt(maxRoundPlaces)) {
					return nil, fmt.Errorf("places must be within ±%d", maxRoundPlaces)
				}
				places = int32(p.IntPart())
			}
			return d.Round(places), nil
		}},
		"abs": {1, 1, func(_ map[string]any, args []any) (any, error) {
			d, err := numArg(args[0])
			if err != nil {
				return nil, err
			}
			return d.Abs(), nil
		}},
		"min": extremeFn(true),
		"max": extremeFn(false),
		"coalesce": {1, -1, func(_ map[string]any, args []any) (any, error) {
			for _, a := range args {
				if !isEmpty(a) {
					return a, nil
				}
			}
			return nil, nil
		}},
		"concat": {0, -1, func(_ map[string]any, args []any) (any, error) {
			parts := make([]string, len(args))
			total := 0
			for i, a := range args {
				parts[i] = stringify(export(a))
				total += len(parts[i])
			}
			if total > maxStringBytes {
				return nil, errStringTooLong
			}
			return strings.Join(parts, ""), nil
		}},
		"substr": {2, 3, func(_ map[string]any, args []any) (any, error) {
			s, err := strArg(args[0])
			if err != nil {
				return nil, err
			}
			start, err := numArg(args[1])
			if err != nil {
				return nil, err
			}
			runes := []rune(s)
			from := clamp(int(start.IntPart()), len(runes))
			to := len(runes)
			if len(args) == 3 {
				n, err := numArg(args[2])
				if err != nil {
					return nil, err
				}
				to = clamp(from+int(n.IntPart()), len(runes))
			}
			if to < from {
				return "", nil
			}
			return string(runes[from:to]), nil
		}},
		"replace": {3, 3, func(_ map[string]any, args []any) (any, error) {
			parts := make([]string, 3)
			for i, a := range args {
				s, err := strArg(a)
				if err != nil {
					return nil, err
				}
				parts[i] = s
			}
			// 先估算结果长度再替换
			n := strings.Count(parts[0], parts[1])
			if len(parts[0])+n*(len(parts[2])-len(parts[1])) > maxStringBytes {
				return nil, errStringTooLong
			}
			return strings.ReplaceAll(parts[0], parts[1], parts[2]), nil
		}},
		"contains":   predicateFn(strings.Contains),
		"startswith": predicateFn(strings.HasPrefix),
		"endswith":   predicateFn(strings.HasSuffix),
		"field": {1, 1, func(fields map[string]any, args []any) (any, error) {
			name, err := strArg(args[0])
			if err != nil {
				return nil, err
			}
			v, _ := Lookup(fields, name)
			return fieldValue(v)
		}},
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
