package itemforge

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"
)

type PublisherEvent struct {
	Name      string            `json:"name,omitempty"`
	Id        string            `json:"id,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Value     string            `json:"value,omitempty"`

	// The system that generated this event.
	System System `json:"-"`
	// Source ID represents the identifier of the event source, such as an item instance handle.
	SourceId string `json:"-"`
	// Source represents the configuration of the event source, such as an upgrade rank record.
	Source any `json:"-"`
}

// The Publisher describes a service or similar target implementation that wishes to receive and process
// analytics-style events generated server-side by the gameplay systems. Purchase, purge and random-grant
// outcomes are delivered through this chain so the host can drive chat feedback, visual effects and
// client notifications without the engine knowing about them.
//
// Each Publisher may choose to process or ignore each event as it sees fit.
//
// Publisher implementations must safely handle concurrent calls, and must handle any errors or retries
// internally; callers will not repeat calls in case of errors.
type Publisher interface {
	// Send is called when there are one or more events generated.
	Send(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, events []*PublisherEvent)
}
