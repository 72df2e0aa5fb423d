package groq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koscakluka/ema-narrator/core/llms"
)

type capturedRequest struct {
	Model          string    `json:"model"`
	Messages       []message `json:"messages"`
	ResponseFormat *struct {
		Type       string `json:"type"`
		JSONSchema struct {
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
		} `json:"json_schema"`
	} `json:"response_format"`
}

func newCompletionServer(t *testing.T, content string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
			"usage":   map[string]any{"prompt_tokens": 40, "completion_tokens": 8, "total_tokens": 48},
		})
	}))
}

func TestSummarizeUsesStructuredOutput(t *testing.T) {
	var request capturedRequest
	server := newCompletionServer(t, `{"summary":"Tests are running."}`, &request)
	defer server.Close()

	client, err := NewClient(WithAPIKey("test-key"), WithURL(server.URL), WithModel("test-model"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := client.Summarize(context.Background(), llms.SummaryRequest{
		SourceType: "claude-code",
		EventType:  "tool_start",
		Content:    "Running go test ./... in /home/dev/project",
		MaxWords:   8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "Tests are running." {
		t.Fatalf("expected summary, got %q", summary)
	}

	if request.Model != "test-model" {
		t.Fatalf("expected configured model, got %q", request.Model)
	}
	if request.ResponseFormat == nil || request.ResponseFormat.Type != "json_schema" || request.ResponseFormat.JSONSchema.Name != "spokenSummary" {
		t.Fatalf("expected json schema response format, got %+v", request.ResponseFormat)
	}
	if !strings.Contains(string(request.ResponseFormat.JSONSchema.Schema), `"summary"`) {
		t.Fatalf("expected schema to describe the summary field, got %s", request.ResponseFormat.JSONSchema.Schema)
	}
	if len(request.Messages) != 2 || !strings.Contains(request.Messages[0].Content, "under 8 words") {
		t.Fatalf("expected system and user messages, got %+v", request.Messages)
	}
}

func TestSummarizeAcceptsFencedJSON(t *testing.T) {
	server := newCompletionServer(t, "```json\n{\"summary\":\"Build done.\"}\n```", nil)
	defer server.Close()

	client, _ := NewClient(WithAPIKey("test-key"), WithURL(server.URL))
	summary, err := client.Summarize(context.Background(), llms.SummaryRequest{Content: "build complete"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "Build done." {
		t.Fatalf("expected summary, got %q", summary)
	}
}

func TestSummarizeRejectsEmptySummary(t *testing.T) {
	server := newCompletionServer(t, `{"summary":"  "}`, nil)
	defer server.Close()

	client, _ := NewClient(WithAPIKey("test-key"), WithURL(server.URL))
	if _, err := client.Summarize(context.Background(), llms.SummaryRequest{Content: "x"}); !errors.Is(err, llms.ErrEmptySummary) {
		t.Fatalf("expected ErrEmptySummary, got %v", err)
	}
}

func TestSummarizeFailsOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := NewClient(WithAPIKey("test-key"), WithURL(server.URL))
	if _, err := client.Summarize(context.Background(), llms.SummaryRequest{Content: "x"}); err == nil {
		t.Fatalf("expected error for 429 response")
	}
}
