package orchestrator

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/agenthub-ai/agenthub/internal/backend"
)

// ResponseMode selects how an operation's result becomes the turn output.
type ResponseMode string

const (
	// ModeDefault defers to the model for synthesis.
	ModeDefault ResponseMode = "default"
	// ModeDirect emits the extracted value verbatim.
	ModeDirect ResponseMode = "direct"
	// ModeFormatted renders the extracted value through a template.
	ModeFormatted ResponseMode = "formatted"
)

const (
	defaultExtractPath = "content[0].text"
	defaultContentType = "text"
	defaultTemplate    = "{value}"
)

// ResponseMeta is an operation's declared response handling. It arrives from
// backends and is treated as untrusted: any resolution failure falls back to
// raw verbatim output.
type ResponseMeta struct {
	Mode        ResponseMode
	ExtractPath string
	ContentType string
	Template    string
}

// ParseResponseMeta normalizes raw backend metadata. Unknown modes and
// missing fields degrade to defaults.
func ParseResponseMeta(raw map[string]interface{}) ResponseMeta {
	meta := ResponseMeta{
		Mode:        ModeDefault,
		ExtractPath: defaultExtractPath,
		ContentType: defaultContentType,
		Template:    defaultTemplate,
	}
	if raw == nil {
		return meta
	}

	switch mode, _ := raw["mode"].(string); ResponseMode(strings.ToLower(strings.TrimSpace(mode))) {
	case ModeDirect:
		meta.Mode = ModeDirect
	case ModeFormatted:
		meta.Mode = ModeFormatted
	}
	if path, ok := raw["extract_path"].(string); ok && strings.TrimSpace(path) != "" {
		meta.ExtractPath = strings.TrimSpace(path)
	}
	if ct, ok := raw["content_type"].(string); ok && strings.TrimSpace(ct) != "" {
		meta.ContentType = strings.ToLower(strings.TrimSpace(ct))
	}
	if tmpl, ok := raw["template"].(string); ok && tmpl != "" {
		meta.Template = tmpl
	}
	return meta
}

// ShortCircuits reports whether the metadata bypasses model synthesis.
func (m ResponseMeta) ShortCircuits() bool {
	return m.Mode == ModeDirect || m.Mode == ModeFormatted
}

// Apply resolves the metadata against a call result. ok is false whenever
// extraction does not yield a non-empty value; callers then fall back to the
// raw flattened result.
func (m ResponseMeta) Apply(result *backend.CallResult) (string, bool) {
	if !m.ShortCircuits() || result == nil {
		return "", false
	}

	doc, err := resultDocument(result)
	if err != nil {
		return "", false
	}

	value, ok := resolvePath(doc, m.ExtractPath)
	if !ok && result.Structured != nil {
		// Paths like ".text" address the structured payload directly.
		value, ok = resolvePath(result.Structured, m.ExtractPath)
	}
	if !ok || value == nil {
		return "", false
	}

	rendered, ok := renderValue(value, m.ContentType)
	if !ok || rendered == "" {
		return "", false
	}

	if m.Mode == ModeFormatted {
		rendered = strings.ReplaceAll(m.Template, "{value}", rendered)
	}
	return rendered, true
}

// resultDocument reshapes a call result into a generic JSON document so
// extraction paths address it uniformly.
func resultDocument(result *backend.CallResult) (interface{}, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// resolvePath walks a dotted/indexed path like "content[0].text" through
// maps and arrays.
func resolvePath(doc interface{}, path string) (interface{}, bool) {
	segments, ok := parsePath(path)
	if !ok {
		return nil, false
	}

	current := doc
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]interface{}:
			if seg.index >= 0 {
				return nil, false
			}
			next, exists := node[seg.key]
			if !exists {
				return nil, false
			}
			current = next
		case []interface{}:
			if seg.index < 0 || seg.index >= len(node) {
				return nil, false
			}
			current = node[seg.index]
		default:
			return nil, false
		}
	}
	return current, true
}

type pathSegment struct {
	key   string
	index int // -1 for map keys
}

func parsePath(path string) ([]pathSegment, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), ".")
	if path == "" {
		return nil, false
	}

	var segments []pathSegment
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			bracket := strings.IndexByte(part, '[')
			if bracket == -1 {
				segments = append(segments, pathSegment{key: part, index: -1})
				break
			}
			if bracket > 0 {
				segments = append(segments, pathSegment{key: part[:bracket], index: -1})
			}
			closing := strings.IndexByte(part[bracket:], ']')
			if closing == -1 {
				return nil, false
			}
			idx, err := strconv.Atoi(part[bracket+1 : bracket+closing])
			if err != nil {
				return nil, false
			}
			segments = append(segments, pathSegment{index: idx})
			part = part[bracket+closing+1:]
		}
	}
	return segments, len(segments) > 0
}

func renderValue(value interface{}, contentType string) (string, bool) {
	switch contentType {
	case "json":
		data, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		return string(data), true
	case "text":
		switch v := value.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(v), true
		default:
			data, err := json.Marshal(value)
			if err != nil {
				return "", false
			}
			return string(data), true
		}
	default: // "auto" and anything unrecognized
		if s, ok := value.(string); ok {
			return s, true
		}
		data, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
