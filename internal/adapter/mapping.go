package adapter

import (
	"strconv"

	"merchlink/internal/model"
)

// ApplyMapping projects an upstream response onto the canonical field names
// declared by the provider's responseMapping. With no mapping configured the
// response passes through untouched apart from canonical defaults.
func ApplyMapping(mapping []model.FieldMapping, upstream map[string]any) map[string]any {
	var out map[string]any
	if len(mapping) == 0 {
		out = make(map[string]any, len(upstream))
		for k, v := range upstream {
			out[k] = v
		}
	} else {
		out = make(map[string]any, len(mapping))
		for _, m := range mapping {
			v, ok := upstream[m.Upstream]
			if !ok {
				if m.Default != "" {
					out[m.Canonical] = coerce(m.Coerce, m.Default)
				}
				continue
			}
			if m.Coerce == "int" {
				out[m.Canonical] = coerceInt(v)
			} else {
				out[m.Canonical] = v
			}
		}
	}
	applyDefaults(out)
	return out
}

func applyDefaults(m map[string]any) {
	if _, ok := m["currency"]; !ok {
		m["currency"] = "USD"
	}
	if _, ok := m["availability"]; !ok {
		if q, ok := m["quantity"]; ok {
			if coerceInt(q).(int64) > 0 {
				m["availability"] = "in_stock"
			} else {
				m["availability"] = "out_of_stock"
			}
		}
	}
}

func coerce(kind, raw string) any {
	if kind == "int" {
		return coerceInt(raw)
	}
	return raw
}

// coerceInt whole-number-parses the usual JSON shapes a price or quantity
// arrives in. Unparseable values coerce to 0 rather than erroring a whole
// response for one field.
func coerceInt(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f)
		}
		return int64(0)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return int64(0)
	}
}
