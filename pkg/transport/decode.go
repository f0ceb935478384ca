package transport

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Decode copies a loosely typed payload into target, which must be a non-nil pointer.
// raw is either the concrete command struct (in-process transports) or the generic
// map produced by a wire codec; field names follow the json tags.
func Decode(raw any, target any) error {
	if !isNonNilPointer(target) {
		return fmt.Errorf("wrong receiver for decode")
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: bytesStringHook,
		TagName:    "json",
		Result:     target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// bytesStringHook bridges codecs that do not keep strings and binary apart.
func bytesStringHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	switch {
	case t.Kind() == reflect.String && f.Kind() == reflect.Slice:
		if b, ok := data.([]byte); ok {
			return string(b), nil
		}
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 && f.Kind() == reflect.String:
		return []byte(data.(string)), nil
	}
	return data, nil
}

func isNonNilPointer(a any) bool {
	if a == nil {
		return false
	}
	v := reflect.ValueOf(a)
	return v.Kind() == reflect.Ptr && !v.IsNil()
}
