// Package eventparser turns the newline-delimited JSON records on the
// agent's stdout channel into a typed internal event sum. Parsing is a
// pure function of each line's bytes; buffering partial lines across
// stdout chunks is the caller's responsibility (see Assembler).
package eventparser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind is the tag of the internal event sum. Downstream consumers switch
// on Kind rather than type-asserting an opaque payload.
type Kind string

const (
	KindSystemInit        Kind = "system_init"
	KindAssistantMessage  Kind = "assistant_message"
	KindToolResult        Kind = "tool_result"
	KindMessageStop       Kind = "message_stop"
	KindOpaque            Kind = "opaque"
	KindRaw               Kind = "raw"
)

// ToolUse is one tool invocation requested by the assistant, in content order.
type ToolUse struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Event is the tagged union produced by Parse. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind Kind

	// KindSystemInit
	Init map[string]interface{}

	// KindAssistantMessage
	Text     string
	ToolUses []ToolUse

	// KindToolResult
	ToolUseID string
	Stdout    string
	Stderr    string
	IsError   bool

	// KindOpaque
	OpaqueKind string
	Data       map[string]interface{}

	// KindRaw (malformed line, or bytes with no enclosing record)
	RawLine []byte
}

// Parse dispatches one complete JSON line into an Event. Malformed lines
// never return an error to the caller; they come back as a KindRaw event
// so the stream is never aborted by a single bad line.
func Parse(line []byte) Event {
	trimmed := strings.TrimRight(string(line), "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return Event{Kind: KindRaw, RawLine: []byte(trimmed)}
	}

	var record map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return Event{Kind: KindRaw, RawLine: []byte(trimmed)}
	}

	typ, _ := record["type"].(string)
	switch typ {
	case "system_init":
		delete(record, "type")
		return Event{Kind: KindSystemInit, Init: record}
	case "assistant_message":
		return parseAssistantMessage(record)
	case "user":
		if ev, ok := parseToolResult(record); ok {
			return ev
		}
		return Event{Kind: KindOpaque, OpaqueKind: typ, Data: stripKeys(record, "type")}
	case "message_stop":
		return Event{Kind: KindMessageStop}
	case "":
		return Event{Kind: KindRaw, RawLine: []byte(trimmed)}
	default:
		return Event{Kind: KindOpaque, OpaqueKind: typ, Data: stripKeys(record, "type")}
	}
}

func parseAssistantMessage(record map[string]interface{}) Event {
	var textParts []string
	var uses []ToolUse

	content, _ := record["content"].([]interface{})
	for _, raw := range content {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if s, ok := block["text"].(string); ok {
				textParts = append(textParts, s)
			}
		case "tool_use":
			use := ToolUse{}
			if s, ok := block["id"].(string); ok {
				use.ID = s
			}
			if s, ok := block["name"].(string); ok {
				use.Name = s
			}
			if m, ok := block["input"].(map[string]interface{}); ok {
				use.Input = m
			}
			uses = append(uses, use)
		}
	}

	return Event{
		Kind:     KindAssistantMessage,
		Text:     strings.Join(textParts, ""),
		ToolUses: uses,
	}
}

// parseToolResult extracts a tool_result event from a "user" record. It
// returns ok=false if the record does not carry a tool_use_result shape.
func parseToolResult(record map[string]interface{}) (Event, bool) {
	result, hasResult := record["tool_use_result"]
	if !hasResult {
		return Event{}, false
	}

	toolUseID := ""
	if content, ok := record["content"].([]interface{}); ok && len(content) > 0 {
		if first, ok := content[0].(map[string]interface{}); ok {
			if id, ok := first["tool_use_id"].(string); ok {
				toolUseID = id
			}
		}
	}

	stdout, stderr, isError := formatToolResultPayload(result)

	return Event{
		Kind:      KindToolResult,
		ToolUseID: toolUseID,
		Stdout:    stdout,
		Stderr:    stderr,
		IsError:   isError,
	}, true
}

// formatToolResultPayload normalizes any of the seven accepted
// tool_use_result shapes into (stdout, stderr, is_error). First match wins.
func formatToolResultPayload(result interface{}) (stdout, stderr string, isError bool) {
	// 1. scalar string.
	if s, ok := result.(string); ok {
		return s, "", false
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		return renderCompactJSON(result), "", false
	}

	// 2. {stdout, stderr?, isError?} verbatim.
	if v, ok := m["stdout"]; ok {
		out, _ := v.(string)
		errOut, _ := m["stderr"].(string)
		errFlag, _ := m["isError"].(bool)
		return out, errOut, errFlag
	}

	// 3. {file: {content}}.
	if f, ok := m["file"].(map[string]interface{}); ok {
		content, _ := f["content"].(string)
		return content, "", false
	}

	// 4. {newTodos, oldTodos} todo diff.
	if _, hasNew := m["newTodos"]; hasNew {
		if _, hasOld := m["oldTodos"]; hasOld {
			return formatTodoDiff(m["oldTodos"], m["newTodos"]), "", false
		}
	}

	// 5. {files[]}.
	if files, ok := m["files"].([]interface{}); ok {
		return truncatedList(files, stringifyAny), "", false
	}

	// 6. {matches[]}.
	if matches, ok := m["matches"].([]interface{}); ok {
		return truncatedList(matches, formatMatch), "", false
	}

	// 7. {content | output | result | text}.
	for _, key := range []string{"content", "output", "result", "text"} {
		if v, ok := m[key]; ok {
			return normalizeToString(v), "", false
		}
	}

	// Unknown map shape: compact JSON minus isError and type.
	return renderCompactJSON(stripKeys(m, "isError", "type")), "", false
}

// normalizeToString handles the "content may be array of text blocks"
// clause of shape 7.
func normalizeToString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if blocks, ok := v.([]interface{}); ok {
		var parts []string
		for _, b := range blocks {
			if block, ok := b.(map[string]interface{}); ok {
				if s, ok := block["text"].(string); ok {
					parts = append(parts, s)
					continue
				}
			}
			parts = append(parts, stringifyAny(b))
		}
		return strings.Join(parts, "")
	}
	return renderCompactJSON(v)
}

const truncateLimit = 10

// truncatedList joins up to truncateLimit entries with newline, appending
// an "… and N more" marker if the list was longer.
func truncatedList(items []interface{}, render func(interface{}) string) string {
	n := len(items)
	limit := n
	if limit > truncateLimit {
		limit = truncateLimit
	}
	lines := make([]string, 0, limit)
	for _, item := range items[:limit] {
		lines = append(lines, render(item))
	}
	out := strings.Join(lines, "\n")
	if n > truncateLimit {
		out += fmt.Sprintf("\n… and %d more", n-truncateLimit)
	}
	return out
}

func stringifyAny(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return renderCompactJSON(v)
}

func formatMatch(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return stringifyAny(v)
	}
	file, hasFile := m["file"].(string)
	text, hasText := m["text"].(string)
	if hasFile && hasText {
		if line, ok := m["line"]; ok {
			return fmt.Sprintf("%s:%v: %s", file, line, text)
		}
		return fmt.Sprintf("%s: %s", file, text)
	}
	return renderCompactJSON(v)
}

// formatTodoDiff renders a human-readable summary of a todo list transition.
// "+" marks items new to newTodos, "✓" completed, "→" in-progress, "○"
// pending, matched against oldTodos by id (falling back to content).
func formatTodoDiff(oldTodosRaw, newTodosRaw interface{}) string {
	oldByKey := indexTodos(oldTodosRaw)
	newTodos, _ := newTodosRaw.([]interface{})

	var lines []string
	for _, raw := range newTodos {
		todo, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		key := todoKey(todo)
		content := todoContent(todo)
		status, _ := todo["status"].(string)

		if _, existed := oldByKey[key]; !existed {
			lines = append(lines, fmt.Sprintf("+ %s", content))
			continue
		}

		switch status {
		case "completed":
			lines = append(lines, fmt.Sprintf("✓ %s", content))
		case "in_progress":
			lines = append(lines, fmt.Sprintf("→ %s", content))
		default:
			lines = append(lines, fmt.Sprintf("○ %s", content))
		}
	}
	return strings.Join(lines, "\n")
}

func indexTodos(raw interface{}) map[string]bool {
	out := map[string]bool{}
	todos, _ := raw.([]interface{})
	for _, item := range todos {
		todo, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out[todoKey(todo)] = true
	}
	return out
}

func todoKey(todo map[string]interface{}) string {
	if id, ok := todo["id"].(string); ok && id != "" {
		return id
	}
	return todoContent(todo)
}

func todoContent(todo map[string]interface{}) string {
	if s, ok := todo["content"].(string); ok {
		return s
	}
	return renderCompactJSON(todo)
}

// renderCompactJSON marshals v deterministically for display; encoding/json
// sorts map keys on marshal, so output is stable for any map shape
// encountered.
func renderCompactJSON(v interface{}) string {
	b, err := json.Marshal(sortedCopy(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// sortedCopy is a no-op for encoding/json's purposes (map key order is
// already sorted on marshal) but documents the intent for readers.
func sortedCopy(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	return v
}

func stripKeys(m map[string]interface{}, keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[k] = true
	}
	for k, v := range m {
		if skip[k] {
			continue
		}
		out[k] = v
	}
	return out
}
