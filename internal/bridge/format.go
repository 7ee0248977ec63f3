package bridge

import (
	"fmt"
	"strings"
	"time"
)

// formatRequest builds the outbound prompt: a short header identifying
// the call, then the body. The header keeps replies attributable when a
// chat carries several sessions at once.
func formatRequest(req FeedbackRequest, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Feedback wanted [%s]\n", shortID(req.SessionID))
	if req.ProjectPath != "" {
		fmt.Fprintf(&b, "Project: %s\n", req.ProjectPath)
	}
	if req.Timestamped {
		fmt.Fprintf(&b, "At: %s\n", now.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\n")
	b.WriteString(req.Text)
	return b.String()
}

// shortID truncates a session id to a readable prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
