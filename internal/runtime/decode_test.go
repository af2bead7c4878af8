package runtime

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeMessage_Assistant(t *testing.T) {
	t.Parallel()

	line := `{"type":"assistant","uuid":"u-2","session_id":"s1","parent_tool_use_id":null,"message":{"id":"msg_1","model":"claude-sonnet-4-5","role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"tu_1","name":"Write","input":{"file_path":"/tmp/a.go","content":"x"}}],"usage":{"input_tokens":10,"output_tokens":3}}}`
	msg, err := DecodeMessage([]byte(line))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	am, ok := msg.(AssistantMessage)
	if !ok {
		t.Fatalf("type=%T", msg)
	}
	if am.UUID != "u-2" || am.Model != "claude-sonnet-4-5" || am.MessageID != "msg_1" {
		t.Fatalf("unexpected header: %+v", am)
	}
	if len(am.Content) != 2 || am.Content[1].Name != "Write" {
		t.Fatalf("content=%+v", am.Content)
	}
	if got := am.Content[1].InputString("file_path"); got != "/tmp/a.go" {
		t.Fatalf("file_path=%q", got)
	}
	if am.Usage == nil || am.Usage.InputTokens != 10 || am.Usage.OutputTokens != 3 {
		t.Fatalf("usage=%+v", am.Usage)
	}
}

func TestDecodeMessage_UserStringContent(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(`{"type":"user","uuid":"u-1","message":{"role":"user","content":"hello"}}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	um := msg.(UserMessage)
	if len(um.Content) != 1 || um.Content[0].Type != BlockText || um.Content[0].Text != "hello" {
		t.Fatalf("content=%+v", um.Content)
	}
}

func TestDecodeMessage_UnknownType(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(`{"type":"telemetry_v9","x":1}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	um, ok := msg.(UnknownMessage)
	if !ok || um.Type != "telemetry_v9" {
		t.Fatalf("msg=%#v", msg)
	}
}

func TestDecodeMessage_ResultToleratesMalformedFields(t *testing.T) {
	t.Parallel()

	line := `{"type":"result","subtype":"success","num_turns":2,"total_cost_usd":"lots","usage":[1,2],"result":"done","modelUsage":{"m1":{"inputTokens":5,"outputTokens":7}}}`
	msg, err := DecodeMessage([]byte(line))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	rm := msg.(ResultMessage)
	if rm.NumTurns != 2 || rm.Result == nil || *rm.Result != "done" {
		t.Fatalf("result=%+v", rm)
	}
	if rm.TotalCostUSD != nil || rm.Usage != nil {
		t.Fatalf("malformed fields should be omitted: %+v", rm)
	}
	if got := strings.Join(rm.Invalid, ","); got != "total_cost_usd,usage" {
		t.Fatalf("invalid=%q", got)
	}
	if rm.ModelUsage["m1"].OutputTokens != 7 {
		t.Fatalf("model usage=%+v", rm.ModelUsage)
	}
}

func TestDecodeMessage_ErrorSubtypeLatchesIsError(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(`{"type":"result","subtype":"error_max_turns","is_error":false}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !msg.(ResultMessage).IsError {
		t.Fatalf("expected is_error")
	}
}

func TestContentBlock_RoundTripKeepsUnknownFields(t *testing.T) {
	t.Parallel()

	raw := `{"type":"server_tool_use","id":"x","future":{"k":true}}`
	var b ContentBlock
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != raw {
		t.Fatalf("out=%s", out)
	}
}

func TestNormalizePermissionMode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                   PermissionDefault,
		"acceptEdits":        PermissionAcceptEdits,
		"PLAN":               PermissionPlan,
		"bypass_permissions": PermissionBypassPermissions,
	}
	for in, want := range cases {
		got, ok := NormalizePermissionMode(in)
		if !ok || got != want {
			t.Fatalf("NormalizePermissionMode(%q)=%q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := NormalizePermissionMode("yolo"); ok {
		t.Fatalf("expected unknown mode to be rejected")
	}
}
