package proxy

import (
	"encoding/json"
	"testing"
)

func validRequest() ChatRequest {
	return ChatRequest{
		Model: "auto",
		Messages: []Message{
			{Role: "user", Content: "hello"},
		},
	}
}

func TestValidate_CleanRequest(t *testing.T) {
	req := validRequest()
	if problems := req.Validate(); problems != nil {
		t.Errorf("expected no problems, got %v", problems)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	req := ChatRequest{}
	problems := req.Validate()
	if problems["model"] == "" {
		t.Error("missing model should be reported")
	}
	if problems["messages"] == "" {
		t.Error("empty messages should be reported")
	}
}

func TestValidate_BadRole(t *testing.T) {
	req := validRequest()
	req.Messages = append(req.Messages, Message{Role: "robot", Content: "beep"})
	problems := req.Validate()
	if problems["messages[1].role"] == "" {
		t.Errorf("bad role should be reported with its index, got %v", problems)
	}
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*ChatRequest)
		field string
	}{
		{"n above one", func(r *ChatRequest) { r.N = 2 }, "n"},
		{"negative max_tokens", func(r *ChatRequest) { r.MaxTokens = -1 }, "max_tokens"},
		{"temperature too high", func(r *ChatRequest) { r.Temperature = 2.5 }, "temperature"},
		{"temperature negative", func(r *ChatRequest) { r.Temperature = -0.1 }, "temperature"},
		{"unknown strategy", func(r *ChatRequest) { r.RoutingStrategy = "warp-speed" }, "x-routing-strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mut(&req)
			if problems := req.Validate(); problems[tt.field] == "" {
				t.Errorf("expected a problem on %s, got %v", tt.field, problems)
			}
		})
	}
}

func TestValidate_KnownStrategiesAccepted(t *testing.T) {
	for _, s := range []string{"cost", "quality", "latency", "balanced"} {
		req := validRequest()
		req.RoutingStrategy = s
		if problems := req.Validate(); problems != nil {
			t.Errorf("strategy %q should validate, got %v", s, problems)
		}
	}
}

func TestStopList_UnmarshalString(t *testing.T) {
	var s StopList
	if err := json.Unmarshal([]byte(`"END"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s) != 1 || s[0] != "END" {
		t.Errorf("expected single-element list, got %v", s)
	}
}

func TestStopList_UnmarshalArray(t *testing.T) {
	var s StopList
	if err := json.Unmarshal([]byte(`["END","STOP"]`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s) != 2 || s[0] != "END" || s[1] != "STOP" {
		t.Errorf("unexpected list: %v", s)
	}
}

func TestStopList_UnmarshalInvalid(t *testing.T) {
	var s StopList
	if err := json.Unmarshal([]byte(`42`), &s); err == nil {
		t.Error("numbers should be rejected")
	}
}

func TestCacheEnabled_DefaultsTrue(t *testing.T) {
	req := validRequest()
	if !req.CacheEnabled() {
		t.Error("cache should default to enabled")
	}

	off := false
	req.Cache = &off
	if req.CacheEnabled() {
		t.Error("explicit x-cache=false should disable")
	}

	on := true
	req.Cache = &on
	if !req.CacheEnabled() {
		t.Error("explicit x-cache=true should enable")
	}
}

func TestToProviderRequest(t *testing.T) {
	req := ChatRequest{
		Model: "fast",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Stream:      true,
		MaxTokens:   128,
		Temperature: 0.7,
		TopP:        0.9,
		Stop:        StopList{"END"},
	}
	preq := req.toProviderRequest("req-123")

	if preq.Model != "fast" || !preq.Stream || preq.MaxTokens != 128 {
		t.Errorf("core fields not carried over: %+v", preq)
	}
	if preq.Temperature != 0.7 || preq.TopP != 0.9 {
		t.Errorf("sampling fields not carried over: %+v", preq)
	}
	if len(preq.Messages) != 2 || preq.Messages[0].Role != "system" || preq.Messages[1].Content != "hi" {
		t.Errorf("messages not carried over: %+v", preq.Messages)
	}
	if len(preq.Stop) != 1 || preq.Stop[0] != "END" {
		t.Errorf("stop list not carried over: %v", preq.Stop)
	}
	if preq.RequestID != "req-123" {
		t.Errorf("request id not carried over: %s", preq.RequestID)
	}
}

func TestPromptText(t *testing.T) {
	req := ChatRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}}
	if got := req.promptText(); got != "be brief\nhi" {
		t.Errorf("unexpected prompt text: %q", got)
	}
}
