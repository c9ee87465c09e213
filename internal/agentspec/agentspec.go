// Package agentspec parses and validates agent spec documents.
//
// A spec is validated against an embedded JSON Schema before it is decoded,
// then defaults are applied and semantic checks (name format, cron syntax)
// run. A spec that fails any step is rejected as a whole.
package agentspec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashita-ai/yakuin/internal/model"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://yakuin.schemas.local/agent-spec.schema.json"

var compiled = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("agentspec: load schema: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("agentspec: compile schema: %v", err))
	}
	return s
}

// Default values applied to fields a spec document omits.
const (
	DefaultModel              = "anthropic/claude-3.5-sonnet"
	DefaultTemperature        = 0.3
	DefaultLLMMaxTokens       = 4096
	DefaultMemoryMaxTokens    = 8000
	DefaultRetentionDays      = 30
	DefaultBudgetUSDPerDay    = 10.0
	DefaultMaxToolCallsPerRun = 50
)

// cronParser accepts standard 5-field expressions and @-descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Problem is a single field-level validation failure.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a spec document.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		if p.Field == "" {
			parts[i] = p.Message
			continue
		}
		parts[i] = p.Field + ": " + p.Message
	}
	return "agentspec: invalid spec: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Defaults returns a spec with every optional field at its default value.
func Defaults() model.AgentSpec {
	return model.AgentSpec{
		Capabilities: []string{},
		ToolsAllowed: []model.ToolPermission{},
		Memory: model.MemoryPolicy{
			Scope:         model.MemoryScopePrivate,
			MaxTokens:     DefaultMemoryMaxTokens,
			RetentionDays: DefaultRetentionDays,
		},
		DataPermissions: model.DataPermissions{
			Datasets:         []string{},
			Tables:           []string{},
			VectorNamespaces: []string{},
			Files:            []string{},
		},
		Triggers: model.Triggers{
			Manual:    true,
			Schedules: []string{},
			Events:    []string{},
		},
		Guardrails: model.Guardrails{
			BudgetUSDPerDay:     DefaultBudgetUSDPerDay,
			MaxToolCallsPerRun:  DefaultMaxToolCallsPerRun,
			ApprovalRequiredOps: []string{},
		},
		LLM: model.LLMConfig{
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultLLMMaxTokens,
		},
	}
}

// Parse validates a JSON spec document and decodes it over Defaults.
func Parse(data []byte) (model.AgentSpec, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return model.AgentSpec{}, &ValidationError{Problems: []Problem{{Message: "malformed JSON: " + err.Error()}}}
	}

	if err := compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return model.AgentSpec{}, &ValidationError{Problems: flatten(ve)}
		}
		return model.AgentSpec{}, fmt.Errorf("agentspec: validate: %w", err)
	}

	spec := Defaults()
	if err := json.Unmarshal(data, &spec); err != nil {
		return model.AgentSpec{}, &ValidationError{Problems: []Problem{{Message: err.Error()}}}
	}
	normalize(&spec)

	if err := Check(spec); err != nil {
		return model.AgentSpec{}, err
	}
	return spec, nil
}

// Check runs the semantic checks that the schema cannot express.
func Check(spec model.AgentSpec) error {
	var problems []Problem
	if err := model.ValidateAgentName(spec.Name); err != nil {
		problems = append(problems, Problem{Field: "name", Message: err.Error()})
	}
	if len(strings.TrimSpace(spec.RoleDefinition)) < 10 {
		problems = append(problems, Problem{Field: "role_definition", Message: "must be at least 10 characters"})
	}
	for i, expr := range spec.Triggers.Schedules {
		if _, err := cronParser.Parse(expr); err != nil {
			problems = append(problems, Problem{
				Field:   fmt.Sprintf("triggers.schedules[%d]", i),
				Message: fmt.Sprintf("invalid cron expression %q: %v", expr, err),
			})
		}
	}
	seen := make(map[string]bool, len(spec.ToolsAllowed))
	for i, tp := range spec.ToolsAllowed {
		if seen[tp.ToolID] {
			problems = append(problems, Problem{
				Field:   fmt.Sprintf("tools_allowed[%d].tool_id", i),
				Message: fmt.Sprintf("duplicate tool %q", tp.ToolID),
			})
		}
		seen[tp.ToolID] = true
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// normalize fills per-entry defaults that json.Unmarshal cannot express.
func normalize(spec *model.AgentSpec) {
	for i := range spec.ToolsAllowed {
		if len(spec.ToolsAllowed[i].Ops) == 0 {
			spec.ToolsAllowed[i].Ops = []string{string(model.PermissionRead)}
		}
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}
}

// flatten collects the leaf causes of a schema validation error.
func flatten(ve *jsonschema.ValidationError) []Problem {
	var out []Problem
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, Problem{Field: pointerToField(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// pointerToField turns a JSON pointer like /tools_allowed/0/tool_id into
// tools_allowed[0].tool_id.
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	var b strings.Builder
	for i, seg := range strings.Split(ptr, "/") {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
