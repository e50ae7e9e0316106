package lifecycle

import (
	"time"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// Event topics.
const (
	TopicTransition = "spider.transition"
	TopicCompleted  = "spider.completed"
)

// Event is published whenever the performer persists a spider status.
type Event struct {
	Spider     string        `json:"spider"`
	Transition spider.Status `json:"transition,omitempty"`
	Status     spider.Status `json:"status"`
	Comment    string        `json:"comment"`
	At         time.Time     `json:"at"`
}

// Attributes exposes the routing fields as message attributes.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{"spider": e.Spider, "status": string(e.Status)}
	if e.Transition != "" {
		attrs["transition"] = string(e.Transition)
	}
	return attrs
}
