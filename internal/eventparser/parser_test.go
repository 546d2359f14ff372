package eventparser

import "testing"

func TestParseSystemInit(t *testing.T) {
	ev := Parse([]byte(`{"type":"system_init","model":"x"}`))
	if ev.Kind != KindSystemInit {
		t.Fatalf("expected KindSystemInit, got %s", ev.Kind)
	}
	if ev.Init["model"] != "x" {
		t.Errorf("expected model=x in init payload, got %+v", ev.Init)
	}
}

func TestParseAssistantMessage(t *testing.T) {
	line := `{"type":"assistant_message","content":[{"type":"text","text":"Hello, "},{"type":"text","text":"world."},{"type":"tool_use","id":"u1","name":"Bash","input":{"command":"ls"}}]}`
	ev := Parse([]byte(line))
	if ev.Kind != KindAssistantMessage {
		t.Fatalf("expected KindAssistantMessage, got %s", ev.Kind)
	}
	if ev.Text != "Hello, world." {
		t.Errorf("expected concatenated text, got %q", ev.Text)
	}
	if len(ev.ToolUses) != 1 || ev.ToolUses[0].ID != "u1" || ev.ToolUses[0].Name != "Bash" {
		t.Errorf("unexpected tool uses: %+v", ev.ToolUses)
	}
	if ev.ToolUses[0].Input["command"] != "ls" {
		t.Errorf("expected input.command=ls, got %+v", ev.ToolUses[0].Input)
	}
}

func TestParseMessageStop(t *testing.T) {
	ev := Parse([]byte(`{"type":"message_stop"}`))
	if ev.Kind != KindMessageStop {
		t.Fatalf("expected KindMessageStop, got %s", ev.Kind)
	}
}

func TestParseOpaque(t *testing.T) {
	ev := Parse([]byte(`{"type":"ping","seq":1}`))
	if ev.Kind != KindOpaque || ev.OpaqueKind != "ping" {
		t.Fatalf("expected opaque ping, got %+v", ev)
	}
	if ev.Data["seq"] != float64(1) {
		t.Errorf("expected seq=1 preserved in opaque data, got %+v", ev.Data)
	}
}

func TestParseMalformedLine(t *testing.T) {
	ev := Parse([]byte(`not json at all`))
	if ev.Kind != KindRaw {
		t.Fatalf("expected KindRaw for malformed line, got %s", ev.Kind)
	}
}

func TestParseToolResultScalarString(t *testing.T) {
	line := `{"type":"user","content":[{"tool_use_id":"u1"}],"tool_use_result":"a\nb\n"}`
	ev := Parse([]byte(line))
	if ev.Kind != KindToolResult {
		t.Fatalf("expected KindToolResult, got %s", ev.Kind)
	}
	if ev.ToolUseID != "u1" || ev.Stdout != "a\nb\n" || ev.IsError {
		t.Errorf("unexpected tool result: %+v", ev)
	}
}

func TestParseToolResultVerbatimShape(t *testing.T) {
	line := `{"type":"user","content":[{"tool_use_id":"u1"}],"tool_use_result":{"stdout":"a\nb\n","stderr":"","isError":false}}`
	ev := Parse([]byte(line))
	if ev.Stdout != "a\nb\n" || ev.IsError {
		t.Errorf("unexpected tool result: %+v", ev)
	}
}

func TestParseToolResultFileShape(t *testing.T) {
	line := `{"type":"user","content":[{"tool_use_id":"u2"}],"tool_use_result":{"file":{"content":"package main\n"}}}`
	ev := Parse([]byte(line))
	if ev.Stdout != "package main\n" {
		t.Errorf("expected file content as stdout, got %q", ev.Stdout)
	}
}

func TestParseToolResultTodoDiff(t *testing.T) {
	line := `{"type":"user","content":[{"tool_use_id":"u3"}],"tool_use_result":{"oldTodos":[{"id":"1","content":"write code","status":"pending"}],"newTodos":[{"id":"1","content":"write code","status":"completed"},{"id":"2","content":"write tests","status":"pending"}]}}`
	ev := Parse([]byte(line))
	want := "✓ write code\n+ write tests"
	if ev.Stdout != want {
		t.Errorf("Stdout = %q, want %q", ev.Stdout, want)
	}
}

func TestParseToolResultFilesTruncation(t *testing.T) {
	files := make([]interface{}, 0, 12)
	for i := 0; i < 12; i++ {
		files = append(files, "file")
	}
	stdout, _, _ := formatToolResultPayload(map[string]interface{}{"files": files})
	if !contains(stdout, "… and 2 more") {
		t.Errorf("expected truncation marker, got %q", stdout)
	}
}

func TestParseToolResultContentArrayOfBlocks(t *testing.T) {
	line := `{"type":"user","content":[{"tool_use_id":"u4"}],"tool_use_result":{"content":[{"type":"text","text":"line one"},{"type":"text","text":" line two"}]}}`
	ev := Parse([]byte(line))
	if ev.Stdout != "line one line two" {
		t.Errorf("unexpected normalized content: %q", ev.Stdout)
	}
}

func TestParseToolResultUnknownMapShape(t *testing.T) {
	stdout, _, _ := formatToolResultPayload(map[string]interface{}{"foo": "bar"})
	if stdout != `{"foo":"bar"}` {
		t.Errorf("expected compact json fallback, got %q", stdout)
	}
}

func TestAssemblerJoinsPartialLine(t *testing.T) {
	a := NewAssembler()
	first := a.Feed([]byte(`{"type":"ass`))
	if len(first) != 0 {
		t.Fatalf("expected no events before newline, got %d", len(first))
	}
	second := a.Feed([]byte("istant_message\",\"content\":[]}\n"))
	if len(second) != 1 || second[0].Kind != KindAssistantMessage {
		t.Fatalf("expected one assistant_message event, got %+v", second)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
