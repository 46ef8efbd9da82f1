// Package framed binds the live data client to a framed socket server:
// one message per frame, one correlation id per request.
package framed

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"tickgofer/internal/livedata"
)

// MessageKind identifies a protocol message
type MessageKind int32

const (
	KindConnectionRequest MessageKind = iota + 1
	KindConnectionResponse
	KindSubscriptionRequest
	KindSubscriptionResponse
	KindSnapshotRequest
	KindSnapshotResponse
	KindUnsubscribe
	KindLiveDataUpdate
)

func (k MessageKind) String() string {
	switch k {
	case KindConnectionRequest:
		return "ConnectionRequest"
	case KindConnectionResponse:
		return "ConnectionResponse"
	case KindSubscriptionRequest:
		return "SubscriptionRequest"
	case KindSubscriptionResponse:
		return "SubscriptionResponse"
	case KindSnapshotRequest:
		return "SnapshotRequest"
	case KindSnapshotResponse:
		return "SnapshotResponse"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindLiveDataUpdate:
		return "LiveDataUpdate"
	default:
		return fmt.Sprintf("MessageKind(%d)", int32(k))
	}
}

// ConnectionResult is the outcome of the connection handshake
type ConnectionResult string

const (
	NewConnectionSuccess      ConnectionResult = "NEW_CONNECTION_SUCCESS"
	ExistingConnectionRestart ConnectionResult = "EXISTING_CONNECTION_RESTART"
	NotAuthorized             ConnectionResult = "NOT_AUTHORIZED"
)

// Field numbers
const (
	fieldKind                protowire.Number = 1
	fieldCorrelationID       protowire.Number = 2
	fieldUserName            protowire.Number = 3
	fieldConnectionResult    protowire.Number = 4
	fieldNormalizationScheme protowire.Number = 5
	fieldSubscriptionID      protowire.Number = 6
	fieldResult              protowire.Number = 7
	fieldUserMessage         protowire.Number = 8
	fieldValue               protowire.Number = 9
	fieldSequenceNumber      protowire.Number = 10

	fieldValueName protowire.Number = 1
	fieldValueType protowire.Number = 2
	fieldValueText protowire.Number = 3
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is the union of all protocol messages; Kind says which fields apply.
type Message struct {
	Kind                MessageKind
	CorrelationID       int64
	UserName            string
	ConnectionResult    ConnectionResult
	NormalizationScheme string
	SubscriptionID      string
	Result              livedata.ResultCode
	UserMessage         string
	Values              *livedata.Payload
	SequenceNumber      int64
}

// subscriptionID is the wire identity of a specification's identifier bundle
func subscriptionID(spec livedata.ItemSpecification) string {
	return spec.IDs.String()
}

// Spec rebuilds the specification the message refers to
func (m *Message) Spec() (livedata.ItemSpecification, error) {
	ids, err := livedata.ParseBundle(m.SubscriptionID)
	if err != nil {
		return livedata.ItemSpecification{}, fmt.Errorf("invalid subscription id %q: %w", m.SubscriptionID, err)
	}
	return livedata.ItemSpecification{NormalizationScheme: m.NormalizationScheme, IDs: ids}, nil
}

// Marshal encodes the message in protobuf wire format
func (m *Message) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if m.CorrelationID != 0 {
		b = protowire.AppendTag(b, fieldCorrelationID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CorrelationID))
	}
	b = appendString(b, fieldUserName, m.UserName)
	b = appendString(b, fieldConnectionResult, string(m.ConnectionResult))
	b = appendString(b, fieldNormalizationScheme, m.NormalizationScheme)
	b = appendString(b, fieldSubscriptionID, m.SubscriptionID)
	b = appendString(b, fieldResult, string(m.Result))
	b = appendString(b, fieldUserMessage, m.UserMessage)
	if m.Values != nil {
		for _, f := range m.Values.Fields {
			var v []byte
			v = appendString(v, fieldValueName, f.Name)
			v = appendString(v, fieldValueType, string(f.Value.Kind))
			v = appendString(v, fieldValueText, f.Value.String())
			b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		}
	}
	if m.SequenceNumber != 0 {
		b = protowire.AppendTag(b, fieldSequenceNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.SequenceNumber))
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a message; unknown fields are skipped
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldCorrelationID || num == fieldSequenceNumber):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldKind:
				m.Kind = MessageKind(v)
			case fieldCorrelationID:
				m.CorrelationID = int64(v)
			case fieldSequenceNumber:
				m.SequenceNumber = int64(v)
			}

		case typ == protowire.BytesType && num >= fieldUserName && num <= fieldValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			data = data[n:]
			if err := m.setBytesField(num, v); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if m.Kind < KindConnectionRequest || m.Kind > KindLiveDataUpdate {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, m.Kind)
	}
	return m, nil
}

func (m *Message) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case fieldUserName:
		m.UserName = string(v)
	case fieldConnectionResult:
		m.ConnectionResult = ConnectionResult(v)
	case fieldNormalizationScheme:
		m.NormalizationScheme = string(v)
	case fieldSubscriptionID:
		m.SubscriptionID = string(v)
	case fieldResult:
		m.Result = livedata.ResultCode(v)
	case fieldUserMessage:
		m.UserMessage = string(v)
	case fieldValue:
		f, err := unmarshalField(v)
		if err != nil {
			return err
		}
		if m.Values == nil {
			m.Values = livedata.NewPayload()
		}
		m.Values.Fields = append(m.Values.Fields, f)
	}
	return nil
}

func unmarshalField(data []byte) (livedata.Field, error) {
	var name, kind, text string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return livedata.Field{}, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return livedata.Field{}, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return livedata.Field{}, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldValueName:
			name = v
		case fieldValueType:
			kind = v
		case fieldValueText:
			text = v
		}
	}
	value, err := livedata.ParseValue(livedata.ValueKind(kind), text)
	if err != nil {
		return livedata.Field{}, fmt.Errorf("%w: field %s: %v", ErrMalformedMessage, name, err)
	}
	return livedata.Field{Name: name, Value: value}, nil
}
