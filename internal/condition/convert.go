package condition

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/petrijr/promptflow/internal/xjson"
)

// ToCty converts a JSON-like Go value into a cty value. Maps become objects
// and slices become tuples so heterogeneous documents keep their shape.
func ToCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return t, nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int8:
		return cty.NumberIntVal(int64(t)), nil
	case int16:
		return cty.NumberIntVal(int64(t)), nil
	case int32:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint8:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint16:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint32:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float32:
		return cty.NumberFloatVal(float64(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return cty.NilVal, fmt.Errorf("unsupported number %v", t)
		}
		return cty.NumberFloatVal(t), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, e := range t {
			cv, err := ToCty(e)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	case map[string]string:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, e := range t {
			attrs[k] = cty.StringVal(e)
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(t))
		for i, e := range t {
			cv, err := ToCty(e)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	case []string:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(t))
		for i, e := range t {
			elems[i] = cty.StringVal(e)
		}
		return cty.TupleVal(elems), nil
	default:
		// Structs and other typed values go through their JSON form.
		var generic any
		if err := xjson.Convert(v, &generic); err != nil {
			return cty.NilVal, fmt.Errorf("unsupported value of type %T: %w", v, err)
		}
		return ToCty(generic)
	}
}

// FromCty converts a cty value back into JSON-like Go values. Whole numbers
// that fit become int64, other numbers float64.
func FromCty(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		return numberToGo(val.AsBigFloat()), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			gv, err := FromCty(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			gv, err := FromCty(v)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported cty type %s", ty.FriendlyName())
}

func numberToGo(bf *big.Float) any {
	if bf.IsInt() {
		if i, acc := bf.Int64(); acc == big.Exact {
			return i
		}
	}
	f, _ := bf.Float64()
	return f
}

// ToDocument converts an evaluated value into a document. Non-object values
// are wrapped under the "value" key.
func ToDocument(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
