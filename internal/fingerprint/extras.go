package fingerprint

import (
	"bytes"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

// unmarshalWithExtras decodes data into v and returns the members of data that
// v has no field for. v must be a pointer to a struct.
func unmarshalWithExtras(data []byte, v any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	fields, ok := decodeObject(data)
	if !ok {
		return nil, nil
	}
	known := jsonKeys(reflect.TypeOf(v).Elem())
	var extra map[string]json.RawMessage
	for key, raw := range fields {
		if _, ok := known[key]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = canonical(raw)
	}
	return extra, nil
}

// marshalWithExtras encodes v and merges extra into the resulting object.
// Keys already produced by v win.
func marshalWithExtras(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, raw := range extra {
		if _, ok := merged[key]; !ok {
			merged[key] = raw
		}
	}
	return json.Marshal(merged)
}

// jsonKeys returns the member names a struct type encodes.
func jsonKeys(t reflect.Type) map[string]struct{} {
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		keys[name] = struct{}{}
	}
	return keys
}

// canonical returns raw in the exact form the encoder emits it, so a value
// survives any number of decode/encode cycles byte for byte.
func canonical(raw json.RawMessage) json.RawMessage {
	out, err := json.Marshal(raw)
	if err != nil {
		return append(json.RawMessage(nil), bytes.TrimSpace(raw)...)
	}
	return out
}
