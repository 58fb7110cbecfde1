package notify

import (
	"time"

	"github.com/redpepper-go/fleet/internal/events"
)

// FromBusEvent adapts an events.Event into the notify package's Event
// shape, pulling the well-known keys each events.Type publishes with out
// of the bus event's untyped Fields map (see internal/cluster/server's
// bus.Publish call sites for the set of keys each Type carries).
func FromBusEvent(evt events.Event) Event {
	out := Event{
		Type:      EventType(evt.Type),
		Timestamp: time.UnixMilli(evt.TimeMS),
	}
	if v, ok := evt.Fields["agent_id"].(string); ok {
		out.AgentID = v
	}
	if v, ok := evt.Fields["ip"].(string); ok {
		out.IP = v
	}
	if v, ok := evt.Fields["reason"].(string); ok {
		out.Reason = v
	}
	if v, ok := evt.Fields["error"].(string); ok && v != "" {
		out.Reason = v
	}
	if v, ok := evt.Fields["id"].(string); ok {
		out.CommandID = v
	}
	if v, ok := evt.Fields["cmdtype"].(string); ok {
		out.Cmdtype = v
	}
	if v, ok := evt.Fields["success"].(bool); ok {
		out.Success = v
	}
	if v, ok := evt.Fields["changed"].(bool); ok {
		out.Changed = v
	}
	if v, ok := evt.Fields["output"].(string); ok {
		out.Output = v
	}
	if v, ok := evt.Fields["message"].(string); ok {
		out.Message = v
	}
	if v, ok := evt.Fields["current"].(int); ok {
		out.Current = v
	}
	if v, ok := evt.Fields["total"].(int); ok {
		out.Total = v
	}
	return out
}
