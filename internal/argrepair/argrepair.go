// Package argrepair turns text-encoded tool arguments into typed values.
//
// Models serialize list arguments as strings and frequently get the encoding
// wrong: single quotes, Python literals, Windows paths with lone backslashes.
// Parse resolves a field through strict JSON, a lenient literal parse and a
// backslash repair, in that order. It never fails; a field that no stage can
// read resolves to an empty, degraded value.
package argrepair

import (
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Kind uint8

const (
	KindEmpty Kind = iota
	KindScalar
	KindList
)

type Stage uint8

const (
	StageNone Stage = iota
	StageStrict
	StageLenient
	StageEscapeRepair
)

func (s Stage) String() string {
	switch s {
	case StageStrict:
		return "strict"
	case StageLenient:
		return "lenient"
	case StageEscapeRepair:
		return "escape_repair"
	default:
		return "none"
	}
}

// Value is the resolved form of one argument field. Scalars keep their kind
// so callers can broadcast them instead of treating them as a one-item list.
type Value struct {
	Kind  Kind
	Stage Stage
	items []any
}

// Parse resolves raw through the fallback chain.
func Parse(raw string) Value {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Value{}
	}

	if decoded, ok := decodeStrict(text); ok {
		// double-encoded lists arrive as a JSON string holding JSON
		if s, isString := decoded.(string); isString && looksStructured(s) {
			if inner := Parse(s); inner.Stage != StageNone {
				return inner
			}
		}
		return fromAny(decoded, StageStrict)
	}
	if decoded, ok := decodeLenient(text); ok {
		return fromAny(decoded, StageLenient)
	}
	if decoded, ok := decodeStrict(doubleLoneBackslashes(text)); ok {
		return fromAny(decoded, StageEscapeRepair)
	}
	return Value{}
}

// Degraded reports that no stage could read the field.
func (v Value) Degraded() bool {
	return v.Stage == StageNone
}

func (v Value) IsScalar() bool {
	return v.Kind == KindScalar
}

func (v Value) Len() int {
	return len(v.items)
}

// Strings returns the scalar items rendered as strings. Nested lists are
// skipped.
func (v Value) Strings() []string {
	out := make([]string, 0, len(v.items))
	for _, item := range v.items {
		if s, ok := scalarString(item); ok {
			out = append(out, s)
		}
	}
	return out
}

// Floats returns numeric items. Numeric strings are accepted; anything else is
// skipped.
func (v Value) Floats() []float64 {
	out := make([]float64, 0, len(v.items))
	for _, item := range v.items {
		switch typed := item.(type) {
		case float64:
			out = append(out, typed)
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
			if err == nil {
				out = append(out, f)
			}
		}
	}
	return out
}

// Groups returns a list of string lists. A bare string item is a group of
// one.
func (v Value) Groups() [][]string {
	out := make([][]string, 0, len(v.items))
	for _, item := range v.items {
		switch typed := item.(type) {
		case []any:
			group := make([]string, 0, len(typed))
			for _, inner := range typed {
				if s, ok := scalarString(inner); ok {
					group = append(group, s)
				}
			}
			out = append(out, group)
		default:
			if s, ok := scalarString(typed); ok {
				out = append(out, []string{s})
			}
		}
	}
	return out
}

func fromAny(decoded any, stage Stage) Value {
	switch typed := decoded.(type) {
	case nil:
		return Value{Kind: KindEmpty, Stage: stage}
	case []any:
		return Value{Kind: KindList, Stage: stage, items: typed}
	case map[string]any:
		// an object is not a shape any tool argument uses
		return Value{Kind: KindEmpty, Stage: stage}
	default:
		return Value{Kind: KindScalar, Stage: stage, items: []any{typed}}
	}
}

func decodeStrict(text string) (any, bool) {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// decodeLenient accepts literal forms such as ['a', 'b'], (1, 2) and True.
// Unquoted words are rejected so that prose never reads as a value. Double
// quoted strings holding a backslash are left to the escape repair, since YAML
// would read \P or \e in a Windows path as an escape.
func decodeLenient(text string) (any, bool) {
	if backslashInDoubleQuotes(text) {
		return nil, false
	}
	text = tupleToList(text)
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(text), &node); err != nil {
		return nil, false
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) != 1 {
		return nil, false
	}
	return literalFromNode(node.Content[0])
}

func literalFromNode(node *yaml.Node) (any, bool) {
	switch node.Kind {
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			value, ok := literalFromNode(child)
			if !ok {
				return nil, false
			}
			out = append(out, value)
		}
		return out, true
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!str":
			if node.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) == 0 {
				return nil, false
			}
			return node.Value, true
		case "!!int", "!!float":
			f, err := strconv.ParseFloat(node.Value, 64)
			if err != nil {
				return nil, false
			}
			return f, true
		case "!!bool":
			b, err := strconv.ParseBool(strings.ToLower(node.Value))
			if err != nil {
				return nil, false
			}
			return b, true
		case "!!null":
			return nil, true
		}
	}
	return nil, false
}

func backslashInDoubleQuotes(text string) bool {
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == '"' && c == '\\':
			return true
		case quote != 0 && c == quote:
			quote = 0
		}
	}
	return false
}

func tupleToList(text string) string {
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return "[" + text[1:len(text)-1] + "]"
	}
	return text
}

// doubleLoneBackslashes doubles every backslash that is not already part of a
// run, so C:\clips\a.png becomes C:\\clips\\a.png while \\ stays intact.
func doubleLoneBackslashes(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)
	for i := 0; i < len(text); {
		if text[i] != '\\' {
			b.WriteByte(text[i])
			i++
			continue
		}
		j := i
		for j < len(text) && text[j] == '\\' {
			j++
		}
		run := j - i
		if run == 1 {
			b.WriteString(`\\`)
		} else {
			b.WriteString(text[i:j])
		}
		i = j
	}
	return b.String()
}

func looksStructured(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "(")
}

func scalarString(item any) (string, bool) {
	switch typed := item.(type) {
	case string:
		return typed, true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		return "", false
	}
}
