package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/internal/cache"
)

// postProcess rewrites selected tool results before they re-enter the
// conversation. Everything not matched passes through unchanged.
func (o *Orchestrator) postProcess(serverID, toolName string, args map[string]any, res *adapter.Result) *adapter.Result {
	if res == nil || res.IsError {
		return res
	}

	switch {
	case toolName == "display_email":
		// The client detects the display marker in the raw text.
		return res
	case strings.HasSuffix(toolName, "convert_to_markdown"):
		return o.processMarkdown(args, res)
	case serverID == "gmail" && strings.HasSuffix(toolName, "get_message"):
		return o.processGmailMessage(res)
	case serverID == "gmail" && strings.HasSuffix(toolName, "get_thread"):
		return o.processGmailThread(res)
	default:
		return res
	}
}

const (
	markdownSplitThreshold = 10  // lines before code extraction kicks in
	excerptLength          = 500 // characters of markdown quoted back
)

var fencedBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9+-]*)\n(.*?)```")

// processMarkdown splits large embedded code blocks out of a converted
// document, caches the pieces, and answers with preview links plus an
// excerpt.
func (o *Orchestrator) processMarkdown(args map[string]any, res *adapter.Result) *adapter.Result {
	markdown := res.Text
	// The converter may wrap its output in a JSON envelope.
	var wrapper struct {
		Markdown string `json:"markdown"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal([]byte(res.Text), &wrapper); err == nil {
		if wrapper.Markdown != "" {
			markdown = wrapper.Markdown
		} else if wrapper.Content != "" {
			markdown = wrapper.Content
		}
	}

	if strings.Count(markdown, "\n") <= markdownSplitThreshold {
		return res
	}

	type extracted struct {
		id   string
		name string
	}
	var blocks []extracted
	blockNum := 0

	markdown = fencedBlockRe.ReplaceAllStringFunc(markdown, func(match string) string {
		sub := fencedBlockRe.FindStringSubmatch(match)
		lang, body := sub[1], sub[2]
		if strings.Count(body, "\n") <= markdownSplitThreshold {
			return match
		}

		blockNum++
		ext := lang
		if ext == "" {
			ext = "txt"
		}
		id := o.cache.NewID()
		if _, err := o.cache.Put(id, ext, []byte(body)); err != nil {
			o.logger.Warn("cache code block failed", "error", err)
			return match
		}
		name := fmt.Sprintf("code-%d.%s", blockNum, ext)
		blocks = append(blocks, extracted{id: id, name: name})
		return fmt.Sprintf("[preview-file:%s](%s)", name, id)
	})

	mdID := o.cache.NewID()
	if _, err := o.cache.Put(mdID, "md", []byte(markdown)); err != nil {
		o.logger.Warn("cache markdown failed", "error", err)
		return res
	}

	var b strings.Builder
	b.WriteString("Converted document to markdown.\n")
	if src := sourceCacheID(args); src != "" {
		fmt.Fprintf(&b, "- [preview-file:source](%s)\n", src)
	}
	fmt.Fprintf(&b, "- [preview-file:document.md](%s)\n", mdID)
	for _, block := range blocks {
		fmt.Fprintf(&b, "- [preview-file:%s](%s)\n", block.name, block.id)
	}

	excerpt := markdown
	if len(excerpt) > excerptLength {
		excerpt = excerpt[:excerptLength]
	}
	b.WriteString("\nExcerpt:\n")
	b.WriteString(excerpt)

	return &adapter.Result{Text: b.String(), Metadata: res.Metadata, Accounts: res.Accounts}
}

// sourceCacheID finds a cache reference to the conversion source in the
// original call arguments, if one exists.
func sourceCacheID(args map[string]any) string {
	for _, key := range []string{"uri", "file", "source", "path"} {
		s, _ := args[key].(string)
		if s == "" {
			continue
		}
		if id, ok := strings.CutPrefix(s, "cache://"); ok && cache.ValidID(id) {
			return id
		}
		if cache.ValidID(s) {
			return s
		}
	}
	return ""
}

// gmailMessage is the canonical email shape written to the cache.
type gmailMessage struct {
	ID       string   `json:"id"`
	Subject  string   `json:"subject"`
	From     string   `json:"from"`
	FromName string   `json:"fromName"`
	To       []string `json:"to"`
	CC       []string `json:"cc,omitempty"`
	Date     string   `json:"date"`
	Body     string   `json:"body"`
	IsHTML   bool     `json:"isHtml"`
	Snippet  string   `json:"snippet"`
}

func (o *Orchestrator) processGmailMessage(res *adapter.Result) *adapter.Result {
	msg, ok := normalizeGmailPayload([]byte(res.Text))
	if !ok || msg.ID == "" {
		return res
	}

	cacheID := "gmail_email_" + msg.ID
	if !cache.ValidID(cacheID) {
		return res
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return res
	}
	if _, err := o.cache.Put(cacheID, "json", data); err != nil {
		o.logger.Warn("cache gmail message failed", "error", err)
		return res
	}

	summary := fmt.Sprintf("[GMAIL_CACHE_ID: %s]\nFrom: %s\nSubject: %s\nDate: %s\n\n%s",
		cacheID, displayFrom(msg), msg.Subject, msg.Date, msg.Snippet)
	return &adapter.Result{Text: summary, Metadata: res.Metadata, Accounts: res.Accounts}
}

func (o *Orchestrator) processGmailThread(res *adapter.Result) *adapter.Result {
	var payload struct {
		ID       string            `json:"id"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal([]byte(res.Text), &payload); err != nil || payload.ID == "" {
		return res
	}

	thread := struct {
		ID       string         `json:"id"`
		Messages []gmailMessage `json:"messages"`
	}{ID: payload.ID}
	for _, raw := range payload.Messages {
		if msg, ok := normalizeGmailPayload(raw); ok {
			thread.Messages = append(thread.Messages, msg)
		}
	}

	cacheID := "gmail_email_thread_" + payload.ID
	if !cache.ValidID(cacheID) {
		return res
	}
	data, err := json.Marshal(thread)
	if err != nil {
		return res
	}
	if _, err := o.cache.Put(cacheID, "json", data); err != nil {
		o.logger.Warn("cache gmail thread failed", "error", err)
		return res
	}

	var subject string
	if len(thread.Messages) > 0 {
		subject = thread.Messages[0].Subject
	}
	summary := fmt.Sprintf("[GMAIL_CACHE_ID: %s]\nThread with %d messages\nSubject: %s",
		cacheID, len(thread.Messages), subject)
	return &adapter.Result{Text: summary, Metadata: res.Metadata, Accounts: res.Accounts}
}

// normalizeGmailPayload maps the provider payload to the canonical shape,
// tolerating both flat and nested header layouts.
func normalizeGmailPayload(raw []byte) (gmailMessage, bool) {
	var flat struct {
		ID       string            `json:"id"`
		Subject  string            `json:"subject"`
		From     string            `json:"from"`
		FromName string            `json:"fromName"`
		To       any               `json:"to"`
		CC       any               `json:"cc"`
		Date     string            `json:"date"`
		Body     string            `json:"body"`
		IsHTML   bool              `json:"isHtml"`
		Snippet  string            `json:"snippet"`
		Headers  map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return gmailMessage{}, false
	}

	msg := gmailMessage{
		ID:       flat.ID,
		Subject:  flat.Subject,
		From:     flat.From,
		FromName: flat.FromName,
		To:       toStringList(flat.To),
		CC:       toStringList(flat.CC),
		Date:     flat.Date,
		Body:     flat.Body,
		IsHTML:   flat.IsHTML,
		Snippet:  flat.Snippet,
	}
	if flat.Headers != nil {
		if msg.Subject == "" {
			msg.Subject = flat.Headers["Subject"]
		}
		if msg.From == "" {
			msg.From = flat.Headers["From"]
		}
		if msg.Date == "" {
			msg.Date = flat.Headers["Date"]
		}
		if len(msg.To) == 0 && flat.Headers["To"] != "" {
			msg.To = splitAddresses(flat.Headers["To"])
		}
	}
	if msg.Snippet == "" && msg.Body != "" {
		snippet := msg.Body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg.Snippet = snippet
	}
	return msg, msg.ID != ""
}

func toStringList(v any) []string {
	switch val := v.(type) {
	case string:
		return splitAddresses(val)
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func splitAddresses(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func displayFrom(msg gmailMessage) string {
	if msg.FromName != "" {
		return fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	return msg.From
}
