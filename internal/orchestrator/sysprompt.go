package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

// systemPromptInput gathers everything the synthetic system message needs.
type systemPromptInput struct {
	Now           time.Time
	Timezone      string
	Locale        string
	Role          *models.Role
	Accounts      []string
	ViewerFile    *ViewerFile
	BootstrapMode config.BootstrapMode
}

// ViewerFile is the optional document-context block for a file the user has
// open.
type ViewerFile struct {
	CacheID  string `json:"cache_id"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
}

// imperialLocales use non-metric units.
var imperialLocales = map[string]bool{
	"en-US": true, "en-LR": true, "en-MM": true,
}

func buildSystemPrompt(in systemPromptInput) string {
	var b strings.Builder

	loc := time.UTC
	if in.Timezone != "" {
		if parsed, err := time.LoadLocation(in.Timezone); err == nil {
			loc = parsed
		}
	}
	now := in.Now.In(loc)
	fmt.Fprintf(&b, "Current date and time: %s.\n", now.Format("Monday, January 2, 2006 at 3:04 PM MST"))

	units := "metric"
	if imperialLocales[in.Locale] {
		units = "imperial"
	}
	fmt.Fprintf(&b, "Use %s units.\n\n", units)

	b.WriteString("Be honest about uncertainty: if you do not know something or a tool failed, say so plainly instead of guessing.\n")
	b.WriteString("Never use emoji in your responses.\n\n")

	b.WriteString("When a tool result references a cached file, present it to the user as a markdown link of the form [preview-file:Name](cache-id). Never show raw cache ids outside such links.\n")
	b.WriteString("When the user asks for several things at once, work through them one item at a time, completing each before starting the next.\n\n")

	if in.Role != nil {
		fmt.Fprintf(&b, "You are acting as the role %q.", in.Role.Name)
		if in.Role.JobDescription != "" {
			fmt.Fprintf(&b, " Job description: %s", in.Role.JobDescription)
		}
		b.WriteString("\n")
		if in.Role.SystemPrompt != "" {
			b.WriteString(in.Role.SystemPrompt)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(in.Accounts) > 0 {
		fmt.Fprintf(&b, "Connected accounts: %s.\n\n", strings.Join(in.Accounts, ", "))
	}

	b.WriteString("You have a persistent memory for this role. Use memory_search_nodes to recall stored facts about the user and their world before asking them to repeat themselves; use memory_open_nodes or memory_read_graph when you need detail. Memory writes happen automatically after the conversation.\n")
	b.WriteString("When searching files or email, bias toward recent items unless the user says otherwise.\n\n")

	if in.BootstrapMode == config.BootstrapSearch {
		b.WriteString("Most tools are discovered on demand: call search_tool with a description of the capability you need, then call the matching tools it returns by name. Refine the query and call search_tool again if the first results do not fit.\n")
	}
	b.WriteString("To run something later or on a schedule, use schedule_create with a plain cadence like 'every weekday at 8am' or 'in 20 minutes'; schedule_list and schedule_cancel manage existing jobs. To work as a different role, tell the user to switch roles rather than imitating one.\n")

	if in.ViewerFile != nil {
		b.WriteString("\nDocument context: the user is currently viewing ")
		fmt.Fprintf(&b, "%q (type %s, cache id %s). ", in.ViewerFile.Filename, in.ViewerFile.Type, in.ViewerFile.CacheID)
		b.WriteString("Treat questions without another subject as being about this document. Never mention the cache id in your output.\n")
	}

	return b.String()
}
