package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingType      = errors.New("message type is missing")
	ErrMissingTarget    = errors.New("to_user_id is required")
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

const inboundTypeLeave = "leave"

// Inbound is a message received from a participant. The set of cases is closed:
// Signal, Leave and Unrecognized.
type Inbound interface {
	inbound()
}

// Signal is an offer, answer or ICE candidate addressed to one participant.
type Signal struct {
	Kind    SignalKind
	To      UserID
	Payload json.RawMessage
}

type Leave struct{}

// Unrecognized carries the type tag of a well-formed message the relay does not handle.
type Unrecognized struct {
	Type string
}

func (Signal) inbound()       {}
func (Leave) inbound()        {}
func (Unrecognized) inbound() {}

type inboundFrame struct {
	Type     string          `json:"type"`
	ToUserID *UserID         `json:"to_user_id"`
	Payload  json.RawMessage `json:"payload"`
}

// DecodeInbound validates a raw frame and maps it onto one of the Inbound cases.
func DecodeInbound(b []byte) (Inbound, error) {
	var frame inboundFrame
	if err := json.Unmarshal(b, &frame); err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	switch frame.Type {
	case "":
		return nil, ErrMissingType
	case string(SignalOffer), string(SignalAnswer), string(SignalICECandidate):
		if frame.ToUserID == nil {
			return nil, fmt.Errorf("%s: %w", frame.Type, ErrMissingTarget)
		}
		return Signal{
			Kind:    SignalKind(frame.Type),
			To:      *frame.ToUserID,
			Payload: frame.Payload,
		}, nil
	case inboundTypeLeave:
		return Leave{}, nil
	default:
		return Unrecognized{Type: frame.Type}, nil
	}
}
