package bus

import (
	"time"

	"github.com/stellarlinkco/memtab/internal/memory"
)

// Commands understood by the gateway command loop.
const (
	CommandTriggerSummary = "triggerManualSummary"
	CommandClearMemory    = "clearMemory"
)

// Reply statuses.
const (
	StatusSummaryTriggered = "Summary triggered successfully."
	StatusSummaryBusy      = "Summary already in progress."
	StatusSummaryError     = "Error during summary trigger."
	StatusMemoryCleared    = "Memory cleared successfully."
	StatusClearError       = "Error clearing memory."
	StatusUnknownCommand   = "Unknown command."
)

// Reply answers one inbound command. Error is empty unless the command failed.
type Reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r Reply) Failed() bool {
	return r.Error != ""
}

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Command   string
	Timestamp time.Time
	// Reply receives exactly one value. It may be nil for fire-and-forget commands.
	Reply chan<- Reply
}

// Respond delivers r without blocking. Reply channels are created with a buffer of one.
func (m InboundMessage) Respond(r Reply) {
	if m.Reply == nil {
		return
	}
	select {
	case m.Reply <- r:
	default:
	}
}

// DayEvent is published after every persisted run.
type DayEvent struct {
	Day   string          `json:"day"`
	State memory.DayState `json:"state"`
	Added []memory.Entry  `json:"added,omitempty"`
}

// OutboundMessage goes to the channel named by Channel, or to every subscriber when
// Channel is empty.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Day     *DayEvent
}
