// Package ops holds the wire types exchanged between a sync client and the
// operation log service.
package ops

import (
	"fmt"
	"time"
)

// Type is the kind of change an operation applies to one element.
type Type string

const (
	Add    Type = "ADD"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

func (t Type) Valid() bool {
	switch t {
	case Add, Update, Delete:
		return true
	}
	return false
}

// CarriesData reports whether operations of this type must include the
// serialized element.
func (t Type) CarriesData() bool {
	return t == Add || t == Update
}

// Input is a locally generated operation, before the service has assigned it
// an authoritative sequence number.
type Input struct {
	ClientSeq      int64  `json:"clientSeq"`
	Type           Type   `json:"type"`
	ElementID      string `json:"elementId"`
	ElementVersion int64  `json:"elementVersion"`
	BaseSeq        int64  `json:"baseSeq"`
	Data           string `json:"data,omitempty"`
}

// Validate checks the metadata every input must carry.
func (in Input) Validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("unknown op type %q", in.Type)
	}
	if in.ElementID == "" {
		return fmt.Errorf("elementId is required")
	}
	if in.ElementVersion <= 0 {
		return fmt.Errorf("elementVersion must be positive: element=%s version=%d", in.ElementID, in.ElementVersion)
	}
	if in.Type.CarriesData() && in.Data == "" {
		return fmt.Errorf("%s requires data: element=%s", in.Type, in.ElementID)
	}
	return nil
}

// Operation is an operation accepted into the authoritative log.
type Operation struct {
	OpID           string    `json:"opId"`
	Seq            int64     `json:"seq"`
	ClientSeq      int64     `json:"clientSeq"`
	SocketID       string    `json:"socketId"`
	Type           Type      `json:"type"`
	ElementID      string    `json:"elementId"`
	ElementVersion int64     `json:"elementVersion"`
	BaseSeq        int64     `json:"baseSeq"`
	Data           string    `json:"data,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Rejection explains why the service refused one submitted operation.
type Rejection struct {
	ClientSeq int64  `json:"clientSeq"`
	ElementID string `json:"elementId"`
	Reason    string `json:"reason"`
}

// SubmitRequest is the body of a submit call.
type SubmitRequest struct {
	SocketID string  `json:"socketId"`
	Ops      []Input `json:"ops"`
}

// SubmitResult is the service's answer to a submit call.
type SubmitResult struct {
	Ack       bool        `json:"ack"`
	ServerSeq int64       `json:"serverSeq"`
	Rejected  []Rejection `json:"rejected,omitempty"`
}

// FetchResult is the answer to a fetch-since call.
type FetchResult struct {
	ServerSeq int64       `json:"serverSeq"`
	Ops       []Operation `json:"ops"`
}

// StreamMessage is one frame of the live operation stream. The first frame of
// a fresh stream carries the receiver's own socket id and no ops; every later
// frame carries the socket id of the connection that produced Ops.
type StreamMessage struct {
	SocketID string      `json:"socketId"`
	Ops      []Operation `json:"ops"`
}

// MaxSeq returns the highest Seq in batch, or floor when none is higher.
func MaxSeq(floor int64, batch []Operation) int64 {
	for _, op := range batch {
		if op.Seq > floor {
			floor = op.Seq
		}
	}
	return floor
}
