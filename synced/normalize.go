package synced

import (
	"fmt"
	"reflect"

	"github.com/glotzerlab/signac-sub002/metrics"
)

// Validator inspects a normalized datum before it enters a collection and
// may reject it by returning an error.
type Validator func(v any) error

// RequireJSONEncodable rejects any value the JSON backend format cannot
// represent. It is installed on every collection.
func RequireJSONEncodable(v any) error {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]any:
		for _, e := range t {
			if err := RequireJSONEncodable(e); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, e := range t {
			if err := RequireJSONEncodable(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T is not encodable", ErrInvalidType, v)
	}
}

// RequireStringKeys rejects raw mappings whose keys are not strings. Apply
// it to client data before handing it to a collection when rejection is
// preferred over the compatibility rewrite performed during normalization.
func RequireStringKeys(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("%w: mapping keys must be strings, got %s",
			ErrInvalidType, rv.Type().Key())
	}
	return nil
}

// normalize converts arbitrary input into the plain tree shape the backend
// format understands: map[string]any, []any and scalars. Typed numeric
// slices and arrays are flattened to plain lists, and integer-keyed mappings
// are rewritten with string keys; both rewrites are counted as conversions.
// Values that cannot be represented are rejected.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case *Dict:
		return plainOf(t), nil
	case *List:
		return plainOf(t), nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			ne, err := normalize(e)
			if err != nil {
				return nil, err
			}
			m[k] = ne
		}
		return m, nil
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			ne, err := normalize(e)
			if err != nil {
				return nil, err
			}
			s[i] = ne
		}
		return s, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		// Numeric-array-like input becomes a plain nested list; the backend
		// format has no native multi-dimensional array type.
		metrics.ArrayConversionCounter.Inc()
		s := make([]any, rv.Len())
		for i := range s {
			ne, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			s[i] = ne
		}
		return s, nil
	case reflect.Map:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := normalizeKey(iter.Key())
			if err != nil {
				return nil, err
			}
			ne, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			m[key] = ne
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: cannot synchronize %T", ErrInvalidType, v)
	}
}

func normalizeKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Bool:
		// Backwards-compatibility rewrite for legacy numeric keys.
		metrics.KeyConversionCounter.Inc()
		return fmt.Sprint(k.Interface()), nil
	default:
		return "", fmt.Errorf("%w: mapping key %v is not representable as a string",
			ErrInvalidType, k)
	}
}
