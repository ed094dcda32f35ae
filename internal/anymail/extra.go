package anymail

import (
	"fmt"

	"dario.cat/mergo"
)

// DeepMerge merges src into dst: nested maps are merged key by key, while
// scalars and slices from src replace dst's. Payload maps must use
// map[string]any for nested objects.
func DeepMerge(dst, src map[string]any) (out map[string]any, err error) {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	// mergo panics when nested map element types are incompatible.
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Msg: "cannot merge esp_extra", Err: fmt.Errorf("%v", r)}
		}
	}()
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return nil, &Error{Msg: "cannot merge esp_extra", Err: err}
	}
	return dst, nil
}
