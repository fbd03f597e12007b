// Package translate holds the built-in format translators: pure
// functions from raw bytes to a structured fact, or nothing when the
// format does not apply. The pipeline treats translators as opaque and
// tolerates both errors and empty results.
package translate

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Mimetype sniffs the media type and encoding of content.
// Never fails: unknown content degrades to application/octet-stream.
func Mimetype(content []byte) (mimetype, encoding string) {
	detected := http.DetectContentType(content)
	mimetype = detected
	encoding = "binary"
	if base, params, ok := strings.Cut(detected, ";"); ok {
		mimetype = strings.TrimSpace(base)
		if cs, ok := strings.CutPrefix(strings.TrimSpace(params), "charset="); ok {
			encoding = cs
		}
	}
	if encoding == "binary" && utf8.Valid(content) {
		encoding = "utf-8"
	}
	return mimetype, encoding
}

// PackageJSON translates an npm package manifest into a metadata
// document. Returns ok=false when the bytes are not a JSON object with
// at least a name, which is "not applicable", not an error.
func PackageJSON(content []byte) (metadata map[string]any, ok bool) {
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, false
	}
	name, _ := doc["name"].(string)
	if name == "" {
		return nil, false
	}
	metadata = map[string]any{"name": name}
	for _, field := range []string{"version", "description", "license", "homepage"} {
		if v, present := doc[field]; present {
			metadata[field] = v
		}
	}
	return metadata, true
}
