package alert

import (
	"fmt"

	"ops-notification-service/internal/models"
)

// Message is the rendered text of a local alert.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

// Format renders n for display. Kind only matters here; the rest of the
// pipeline treats every notification alike.
func Format(n models.Notification) Message {
	title := n.Payload.Title
	switch n.Kind {
	case models.KindFault:
		if title == "" {
			title = "Equipment fault"
		}
		title = "Fault: " + title
	case models.KindComment:
		if title == "" {
			title = "New comment"
		} else {
			title = "Comment on " + title
		}
	case models.KindStatusChange:
		if title == "" {
			title = "Status changed"
		} else {
			title = fmt.Sprintf("%s changed status", title)
		}
	default:
		if title == "" {
			title = "System notice"
		}
	}
	return Message{Title: title, Body: n.Payload.Body, Link: n.Payload.Link}
}
