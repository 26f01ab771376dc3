package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type FlattenOptions struct {
	MaxDepth int
	MaxKeys  int
}

// FlattenJSON turns nested token metadata into dotted keys ("properties.image",
// "attributes[0].value") so image fields can be looked up regardless of nesting.
// Object keys are visited in sorted order, so which keys survive MaxKeys is stable.
func FlattenJSON(value any, opts FlattenOptions) map[string]any {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 8
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 1000
	}

	out := make(map[string]any)
	flattenInto(out, "", value, 0, opts)
	return out
}

func flattenInto(out map[string]any, prefix string, value any, depth int, opts FlattenOptions) {
	if len(out) >= opts.MaxKeys {
		return
	}
	if depth > opts.MaxDepth {
		if prefix != "" {
			out[prefix] = fmt.Sprintf("<max_depth:%d>", opts.MaxDepth)
		}
		return
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := v[k]
			key := strings.ToLower(k)
			if prefix != "" {
				key = prefix + "." + key
			}
			flattenInto(out, key, child, depth+1, opts)
			if len(out) >= opts.MaxKeys {
				return
			}
		}
	case []any:
		for i, child := range v {
			idx := strconv.Itoa(i)
			key := idx
			if prefix != "" {
				key = prefix + "[" + idx + "]"
			}
			flattenInto(out, key, child, depth+1, opts)
			if len(out) >= opts.MaxKeys {
				return
			}
		}
	default:
		if prefix == "" {
			out["value"] = v
			return
		}
		out[prefix] = v
	}
}

// metadataImageKeys are checked in order; the first non-empty string wins.
var metadataImageKeys = []string{
	"image",
	"image_url",
	"image_data",
	"properties.image",
	"properties.image.description",
}

// ImageFromMetadata extracts the image reference from a token metadata document.
func ImageFromMetadata(body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", &FormatError{Err: fmt.Errorf("decode metadata json: %w", err)}
	}
	for _, k := range metadataImageKeys {
		if s, ok := lookupPath(doc, k).(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	// Keys that literally contain dots only show up in the flattened view.
	flat := FlattenJSON(doc, FlattenOptions{})
	for _, k := range metadataImageKeys {
		if s, ok := flat[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", ErrNoImageInMetadata
}

// lookupPath walks a dotted path through nested objects. Each segment matches
// its exact key first, then the first key in sorted order equal under case folding.
func lookupPath(doc any, path string) any {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if strings.EqualFold(k, seg) {
					v, ok = m[k], true
					break
				}
			}
		}
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}
