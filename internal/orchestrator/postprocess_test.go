package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/internal/llm"
)

func postprocessEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{}})
}

func TestPostProcessPassthrough(t *testing.T) {
	env := postprocessEnv(t)

	in := adapter.TextResult("untouched")
	out := env.orch.postProcess("weather", "current_weather", nil, in)
	if out != in {
		t.Error("unmatched tool result must pass through")
	}

	display := adapter.TextResult("[DISPLAY_EMAIL] raw payload")
	if got := env.orch.postProcess("gmail", "display_email", nil, display); got != display {
		t.Error("display_email must return the raw text")
	}
}

func TestPostProcessShortMarkdownUntouched(t *testing.T) {
	env := postprocessEnv(t)

	in := adapter.TextResult("# Title\nshort doc")
	if got := env.orch.postProcess("docs", "convert_to_markdown", nil, in); got != in {
		t.Error("short markdown must pass through")
	}
}

func TestPostProcessMarkdownExtractsCodeBlocks(t *testing.T) {
	env := postprocessEnv(t)

	code := strings.Repeat("line of code\n", 15)
	markdown := "# Doc\n\nIntro text.\n\n```go\n" + code + "```\n\n" +
		strings.Repeat("More prose.\n", 10)

	out := env.orch.postProcess("docs", "convert_to_markdown",
		map[string]any{"uri": "cache://src42"}, adapter.TextResult(markdown))

	if !strings.Contains(out.Text, "[preview-file:document.md](") {
		t.Errorf("missing markdown preview link:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "[preview-file:code-1.go](") {
		t.Errorf("missing code block preview link:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "[preview-file:source](src42)") {
		t.Errorf("missing source link:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "Excerpt:") {
		t.Errorf("missing excerpt:\n%s", out.Text)
	}
}

func TestPostProcessMarkdownJSONWrapper(t *testing.T) {
	env := postprocessEnv(t)

	body := "# Wrapped\n" + strings.Repeat("text line\n", 15)
	wrapper, _ := json.Marshal(map[string]string{"markdown": body})

	out := env.orch.postProcess("docs", "convert_to_markdown", nil, adapter.TextResult(string(wrapper)))
	if !strings.Contains(out.Text, "Excerpt:\n# Wrapped") {
		t.Errorf("wrapper body not extracted:\n%s", out.Text)
	}
}

func TestPostProcessGmailMessage(t *testing.T) {
	env := postprocessEnv(t)

	payload, _ := json.Marshal(map[string]any{
		"id":      "18abc",
		"subject": "Quarterly numbers",
		"from":    "cfo@example.com",
		"to":      "me@example.com",
		"date":    "2025-06-01",
		"body":    "The numbers are up.",
	})

	out := env.orch.postProcess("gmail", "get_message", nil, adapter.TextResult(string(payload)))
	if !strings.Contains(out.Text, "[GMAIL_CACHE_ID: gmail_email_18abc]") {
		t.Errorf("missing cache id marker:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "Quarterly numbers") {
		t.Errorf("missing subject:\n%s", out.Text)
	}

	data, err := env.orch.cache.Read("gmail_email_18abc")
	if err != nil {
		t.Fatalf("cached email missing: %v", err)
	}
	var cached gmailMessage
	if err := json.Unmarshal(data, &cached); err != nil {
		t.Fatal(err)
	}
	if cached.Subject != "Quarterly numbers" || cached.From != "cfo@example.com" {
		t.Errorf("cached = %+v", cached)
	}
	if len(cached.To) != 1 || cached.To[0] != "me@example.com" {
		t.Errorf("to = %v", cached.To)
	}
	if cached.Snippet == "" {
		t.Error("snippet not derived from body")
	}
}

func TestPostProcessGmailThread(t *testing.T) {
	env := postprocessEnv(t)

	payload, _ := json.Marshal(map[string]any{
		"id": "thr9",
		"messages": []any{
			map[string]any{"id": "m1", "subject": "Plan", "from": "a@example.com", "body": "v1"},
			map[string]any{"id": "m2", "subject": "Re: Plan", "from": "b@example.com", "body": "v2"},
		},
	})

	out := env.orch.postProcess("gmail", "get_thread", nil, adapter.TextResult(string(payload)))
	if !strings.Contains(out.Text, "[GMAIL_CACHE_ID: gmail_email_thread_thr9]") {
		t.Errorf("missing thread cache id:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "2 messages") {
		t.Errorf("missing message count:\n%s", out.Text)
	}
	if !env.orch.cache.Has("gmail_email_thread_thr9") {
		t.Error("thread not cached")
	}
}

func TestPostProcessMalformedGmailPassesThrough(t *testing.T) {
	env := postprocessEnv(t)

	in := adapter.TextResult("not json at all")
	if got := env.orch.postProcess("gmail", "get_message", nil, in); got != in {
		t.Error("malformed payload must pass through")
	}
}

func TestPostProcessErrorResultUntouched(t *testing.T) {
	env := postprocessEnv(t)

	in := adapter.ErrorResult("upstream failed")
	if got := env.orch.postProcess("gmail", "get_message", nil, in); got != in {
		t.Error("error results must pass through")
	}
}
