package anymail

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// SerializeJSON encodes v, reporting unencodable values as a SerializationError
// that names the offending field path.
func SerializeJSON(esp string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err == nil {
		return b, nil
	}
	serr := &SerializationError{ESP: esp, Err: err}
	serr.Field, serr.Type = findUnencodable(v, "")
	if serr.Type == "" {
		var ute *json.UnsupportedTypeError
		var uve *json.UnsupportedValueError
		switch {
		case errors.As(err, &ute):
			serr.Type = ute.Type.String()
		case errors.As(err, &uve):
			serr.Type = uve.Value.Type().String()
		}
	}
	return nil, serr
}

func findUnencodable(v any, path string) (field, typ string) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(t)) {
			if f, ty := findUnencodable(t[k], joinPath(path, k)); ty != "" {
				return f, ty
			}
		}
		return "", ""
	case []any:
		for i, item := range t {
			if f, ty := findUnencodable(item, fmt.Sprintf("%s[%d]", path, i)); ty != "" {
				return f, ty
			}
		}
		return "", ""
	case []map[string]any:
		for i, item := range t {
			if f, ty := findUnencodable(item, fmt.Sprintf("%s[%d]", path, i)); ty != "" {
				return f, ty
			}
		}
		return "", ""
	}
	if _, err := json.Marshal(v); err != nil {
		return path, reflect.TypeOf(v).String()
	}
	return "", ""
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
