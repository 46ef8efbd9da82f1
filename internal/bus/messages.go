package bus

import (
	"github.com/goccy/go-json"

	"tickgofer/internal/entitlement"
	"tickgofer/internal/livedata"
)

// SubscriptionRequestMsg is the batched request sent on the subscribe subject
type SubscriptionRequestMsg struct {
	ID    string                       `json:"id"`
	User  *livedata.UserPrincipal      `json:"user,omitempty"`
	Kind  livedata.SubscriptionKind    `json:"kind"`
	Specs []livedata.ItemSpecification `json:"specifications"`
}

// SubscriptionResponse is the server's answer for one requested specification
type SubscriptionResponse struct {
	livedata.SubscriptionResult
	// DistributionTopic is the broadcast subject carrying ticks for the
	// fully-qualified specification; set only for successful streaming requests.
	DistributionTopic string `json:"distributionTopic,omitempty"`
}

// SubscriptionResponseMsg replies to a SubscriptionRequestMsg
type SubscriptionResponseMsg struct {
	ID        string                 `json:"id"`
	Responses []SubscriptionResponse `json:"responses"`
}

// HeartbeatMsg lists the specifications the client still consumes
type HeartbeatMsg struct {
	Specs []livedata.ItemSpecification `json:"specifications"`
}

// HeartbeatReplyMsg names specifications the server no longer knows
type HeartbeatReplyMsg struct {
	Unrecognized []livedata.ItemSpecification `json:"unrecognized,omitempty"`
}

// EntitlementRequestMsg asks about specifications on behalf of a user
type EntitlementRequestMsg struct {
	entitlement.Request
}

// EntitlementReplyMsg answers an EntitlementRequestMsg
type EntitlementReplyMsg struct {
	entitlement.Response
}

// ResolveRequestMsg asks the server to resolve specifications
type ResolveRequestMsg struct {
	Specs []livedata.ItemSpecification `json:"specifications"`
}

// Resolution pairs a requested specification with its resolved form
type Resolution struct {
	Requested livedata.ItemSpecification `json:"requested"`
	Resolved  livedata.ItemSpecification `json:"resolved"`
}

// ResolveReplyMsg answers a ResolveRequestMsg; unknown specifications are omitted
type ResolveReplyMsg struct {
	Resolutions []Resolution `json:"resolutions"`
}

// TickMsg is one update published on a distribution topic
type TickMsg struct {
	Spec           livedata.ItemSpecification `json:"specification"`
	Fields         *livedata.Payload          `json:"fields"`
	SequenceNumber int64                      `json:"sequenceNumber,omitempty"`
}

// NewTickMsg builds the wire form of update
func NewTickMsg(update livedata.ValueUpdate) TickMsg {
	return TickMsg{Spec: update.Spec, Fields: update.Fields, SequenceNumber: update.SequenceNumber}
}

// Update converts the message back to a ValueUpdate
func (m TickMsg) Update() livedata.ValueUpdate {
	return livedata.ValueUpdate{Spec: m.Spec, Fields: m.Fields, SequenceNumber: m.SequenceNumber}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
