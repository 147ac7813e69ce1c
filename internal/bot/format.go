package bot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"expbot/internal/delivery"
)

const notificationHeader = "🔬 *Experiment Notification*"

// formatNotification renders a delivery job as a Markdown chat message.
// Metadata keys are sorted so the output is stable.
func formatNotification(job delivery.Job) string {
	var b strings.Builder
	b.WriteString(notificationHeader)
	b.WriteString("\n\n")
	b.WriteString(job.Message)
	if len(job.Metadata) > 0 {
		keys := make([]string, 0, len(job.Metadata))
		for k := range job.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n`%s`: %v", k, job.Metadata[k])
		}
	}
	return b.String()
}

func formatWelcome(apiKey string) string {
	return fmt.Sprintf(`🤖 *ExperimentBot is ready!*

Your API key: `+"`%s`"+`

*Quick start:*
`+"```go"+`
c, _ := client.New(client.Config{APIKey: "%s"})
c.Notify(ctx, "Hello from my experiment!", nil)
`+"```"+`

*Commands:*
/start - Get your API key
/revoke - Generate a new API key
/status - Check connection status
/mute - Pause notifications
/unmute - Resume notifications

Keep this key secure! 🔒`, apiKey, apiKey)
}

func formatRevoked(apiKey string) string {
	return fmt.Sprintf(`🔄 *API Key Revoked*

Your new API key: `+"`%s`"+`

The old key stopped working the moment you sent /revoke.`, apiKey)
}

func formatStatus(st StatusInfo) string {
	mutedLine := ""
	if st.Muted {
		mutedLine = "🔇 Notifications muted (/unmute to resume)\n"
	}
	return fmt.Sprintf(`📊 *Connection Status*

✅ *Active*
API Key: `+"`%s`"+`
Created: %s
Last Active: %s
Messages: %d
Open processes: %d
%s
Ready to receive notifications! 🚀`,
		st.APIKey,
		st.CreatedAt.Format(time.RFC3339),
		st.LastActive.Format(time.RFC3339),
		st.MessageCount,
		st.OpenProcesses,
		mutedLine)
}

const notRegisteredReply = "❌ *Not registered*\n\nUse /start to get your API key."

const helpReply = `*ExperimentBot commands:*

/start - Register and get your API key
/revoke - Replace your API key
/status - Account and delivery status
/mute - Pause notifications
/unmute - Resume notifications
/help - This message`
