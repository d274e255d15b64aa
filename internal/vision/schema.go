package vision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// analysisSchema describes the JSON object the model must return.
const analysisSchema = `{
  "type": "object",
  "required": ["is_graph"],
  "properties": {
    "is_graph":    {"type": "boolean"},
    "graph_type":  {"type": ["string", "null"]},
    "reason":      {"type": ["string", "null"]},
    "python_code": {"type": ["string", "null"]},
    "assumptions": {"type": ["string", "null"]},
    "data":        {"type": ["object", "array", "null"]}
  }
}`

var compiledSchema = jsonschema.MustCompileString("analysis.json", analysisSchema)

// ParseAnalysis decodes and validates the model's message content.
func ParseAnalysis(content string) (*Analysis, error) {
	content = stripCodeFence(content)

	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, fmt.Errorf("%w: content is not JSON: %v", ErrMalformedOutput, err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var payload struct {
		IsGraph     bool            `json:"is_graph"`
		GraphType   *string         `json:"graph_type"`
		Reason      *string         `json:"reason"`
		PythonCode  *string         `json:"python_code"`
		Assumptions *string         `json:"assumptions"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	a := &Analysis{
		IsGraph:     payload.IsGraph,
		GraphType:   deref(payload.GraphType),
		Reason:      deref(payload.Reason),
		PythonCode:  deref(payload.PythonCode),
		Assumptions: deref(payload.Assumptions),
	}
	if d := strings.TrimSpace(string(payload.Data)); d != "" && d != "null" {
		a.Data = payload.Data
	}
	return a, nil
}

// stripCodeFence removes a ```json fence some models add when
// response_format is unavailable.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
