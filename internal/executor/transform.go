package executor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/ocx/flowengine/internal/domain"
)

// ParseJSON is the executor for transform.parse_json: it validates that
// the input is well-formed JSON and re-emits it unchanged, surfacing a
// malformed payload as a transformation error rather than letting it
// propagate silently.
func ParseJSON(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var probe any
	if err := json.Unmarshal(input, &probe); err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("parse_json: %w", err))
	}
	return Result{Output: input}, nil
}

// csvParseConfig is transform.parse_csv's typed configuration.
type csvParseConfig struct {
	Delimiter string   `json:"delimiter,omitempty"` // default ","
	Quote     string   `json:"quote,omitempty"`      // unused beyond documenting intent; encoding/csv fixes quote to '"'
	Header    bool     `json:"header,omitempty"`
	Trim      bool     `json:"trim,omitempty"`
	Columns   []string `json:"columns,omitempty"` // explicit column names, overriding a header row
}

// ParseCSV is the executor for transform.parse_csv. Input is expected to
// be a JSON string holding the raw CSV text (as delivered by a poller or
// HTTP source); output is a JSON array of objects keyed by column name.
func ParseCSV(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg csvParseConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("parse_csv: invalid config: %w", err))
		}
	}

	var raw string
	if err := json.Unmarshal(input, &raw); err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("parse_csv: input must be a raw CSV string: %w", err))
	}

	reader := csv.NewReader(strings.NewReader(raw))
	if cfg.Delimiter != "" {
		r := []rune(cfg.Delimiter)
		reader.Comma = r[0]
	}
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("parse_csv: %w", err))
	}
	if len(records) == 0 {
		out, _ := json.Marshal([]map[string]string{})
		return Result{Output: out}, nil
	}

	columns := cfg.Columns
	startIdx := 0
	if len(columns) == 0 && cfg.Header {
		columns = records[0]
		startIdx = 1
	}
	if len(columns) == 0 {
		for i := range records[0] {
			columns = append(columns, fmt.Sprintf("col%d", i+1))
		}
	}

	rows := make([]map[string]string, 0, len(records)-startIdx)
	for _, rec := range records[startIdx:] {
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			var val string
			if i < len(rec) {
				val = rec[i]
			}
			if cfg.Trim {
				val = strings.TrimSpace(val)
			}
			row[col] = val
		}
		rows = append(rows, row)
	}

	out, err := json.Marshal(rows)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("parse_csv: marshal rows: %w", err))
	}
	return Result{Output: out}, nil
}

// ParseXML is the executor for transform.parse_xml: it decodes the raw
// XML string into a generic element tree and re-emits it as JSON.
func ParseXML(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var raw string
	if err := json.Unmarshal(input, &raw); err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("parse_xml: input must be a raw XML string: %w", err))
	}

	var root xmlNode
	if err := xml.Unmarshal([]byte(raw), &root); err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("parse_xml: %w", err))
	}

	out, err := json.Marshal(root.toMap())
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("parse_xml: marshal: %w", err))
	}
	return Result{Output: out}, nil
}

// xmlNode is a generic element tree, since the schema of an arbitrary
// integration's XML payload isn't known at compile time.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n xmlNode) toMap() map[string]any {
	m := map[string]any{}
	for _, a := range n.Attrs {
		m["@"+a.Name.Local] = a.Value
	}
	if len(n.Children) == 0 {
		text := strings.TrimSpace(n.Content)
		if text != "" {
			m["#text"] = text
		}
		return m
	}
	childByName := map[string][]any{}
	for _, c := range n.Children {
		childByName[c.XMLName.Local] = append(childByName[c.XMLName.Local], c.toMap())
	}
	for name, vals := range childByName {
		if len(vals) == 1 {
			m[name] = vals[0]
		} else {
			m[name] = vals
		}
	}
	return m
}

// mapperConfig is transform.object_mapper's typed configuration:
// declarative source→target path mappings with an optional named
// transformation function applied per field.
type mapperConfig struct {
	Fields []fieldMapping `json:"fields"`
}

type fieldMapping struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Transform string `json:"transform,omitempty"` // "upper", "lower", "trim", "to_string", "to_number", ""
}

// ObjectMapper is the executor for transform.object_mapper.
func ObjectMapper(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg mapperConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("object_mapper: invalid config: %w", err))
	}

	var src map[string]any
	if err := json.Unmarshal(input, &src); err != nil {
		return Result{}, Classify(domain.ErrorKindTransformation, fmt.Errorf("object_mapper: input must be a JSON object: %w", err))
	}

	out := map[string]any{}
	for _, fm := range cfg.Fields {
		val, ok := lookupPath(src, fm.Source)
		if !ok {
			continue
		}
		val = applyFieldTransform(fm.Transform, val)
		setPath(out, fm.Target, val)
	}

	result, err := json.Marshal(out)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("object_mapper: marshal output: %w", err))
	}
	return Result{Output: result}, nil
}

func lookupPath(obj map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(obj map[string]any, path string, val any) {
	parts := strings.Split(path, ".")
	cur := obj
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = val
}

func applyFieldTransform(name string, val any) any {
	switch name {
	case "upper":
		if s, ok := val.(string); ok {
			return strings.ToUpper(s)
		}
	case "lower":
		if s, ok := val.(string); ok {
			return strings.ToLower(s)
		}
	case "trim":
		if s, ok := val.(string); ok {
			return strings.TrimSpace(s)
		}
	case "to_string":
		return fmt.Sprintf("%v", val)
	case "to_number":
		if s, ok := val.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	}
	return val
}
