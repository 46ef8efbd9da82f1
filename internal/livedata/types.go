package livedata

import "fmt"

// UserPrincipal identifies the user a request is made for.
// A nil *UserPrincipal means no permissioning is required.
type UserPrincipal struct {
	UserName  string `json:"userName"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// NewUserPrincipal creates a UserPrincipal
func NewUserPrincipal(userName, ipAddress string) *UserPrincipal {
	return &UserPrincipal{UserName: userName, IPAddress: ipAddress}
}

// String implements fmt.Stringer
func (u *UserPrincipal) String() string {
	if u == nil {
		return "<system>"
	}
	if u.IPAddress == "" {
		return u.UserName
	}
	return u.UserName + "@" + u.IPAddress
}

// SubscriptionKind is the type of a subscription request
type SubscriptionKind string

const (
	KindStreamingPersistent    SubscriptionKind = "STREAMING_PERSISTENT"
	KindStreamingNonPersistent SubscriptionKind = "STREAMING_NON_PERSISTENT"
	KindSnapshot               SubscriptionKind = "SNAPSHOT"
)

// IsStreaming returns true for kinds that establish a standing feed
func (k SubscriptionKind) IsStreaming() bool {
	return k == KindStreamingPersistent || k == KindStreamingNonPersistent
}

// Valid returns true for known kinds
func (k SubscriptionKind) Valid() bool {
	return k.IsStreaming() || k == KindSnapshot
}

// ResultCode is the outcome of a single subscription request
type ResultCode string

const (
	ResultSuccess       ResultCode = "SUCCESS"
	ResultNotPresent    ResultCode = "NOT_PRESENT"
	ResultNotAuthorized ResultCode = "NOT_AUTHORIZED"
	ResultInternalError ResultCode = "INTERNAL_ERROR"
	// ResultTimeout means no response arrived in time; the server may still be working.
	ResultTimeout ResultCode = "TIMEOUT"
)

// SubscriptionResult is the outcome of one subscription or snapshot request
type SubscriptionResult struct {
	RequestedSpec      ItemSpecification `json:"requestedSpecification"`
	FullyQualifiedSpec ItemSpecification `json:"fullyQualifiedSpecification"`
	Code               ResultCode        `json:"code"`
	Snapshot           *Payload          `json:"snapshot,omitempty"`
	SequenceNumber     int64             `json:"sequenceNumber,omitempty"`
	UserMessage        string            `json:"userMessage,omitempty"`
}

// Success returns true if the request succeeded
func (r SubscriptionResult) Success() bool {
	return r.Code == ResultSuccess
}

// Spec returns the fully-qualified specification, or the requested one when the
// request did not resolve
func (r SubscriptionResult) Spec() ItemSpecification {
	if r.FullyQualifiedSpec.IsZero() {
		return r.RequestedSpec
	}
	return r.FullyQualifiedSpec
}

// String implements fmt.Stringer
func (r SubscriptionResult) String() string {
	return fmt.Sprintf("SubscriptionResult[%s %s %q]", r.RequestedSpec.Key(), r.Code, r.UserMessage)
}

// FailedResult builds a failure result for a requested specification
func FailedResult(spec ItemSpecification, code ResultCode, message string) SubscriptionResult {
	return SubscriptionResult{
		RequestedSpec: spec,
		Code:          code,
		UserMessage:   message,
	}
}

// ValueUpdate is one tick for a fully-qualified specification
type ValueUpdate struct {
	Spec           ItemSpecification `json:"specification"`
	Fields         *Payload          `json:"fields"`
	SequenceNumber int64             `json:"sequenceNumber,omitempty"`
}
