package models

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RadioMetadata describes how an uplink was received
type RadioMetadata struct {
	DataRate  int       `json:"dataRate"`
	Frequency uint32    `json:"frequency"`
	SNR       float64   `json:"snr"`
	RSSI      float64   `json:"rssi"`
	Tmst      uint32    `json:"tmst"`
	Time      time.Time `json:"time"`
	Channel   int       `json:"channel"`
	RFChain   int       `json:"rfChain"`
	Antenna   int       `json:"antenna"`
	// Context is echoed back to the transport with the downlink
	Context json.RawMessage `json:"context,omitempty"`
}

// IncomingRequest is one received uplink. It is consumed exactly once,
// the receiver reports back through Complete.
type IncomingRequest struct {
	ID      uuid.UUID
	Payload []byte
	Radio   RadioMetadata
	Station string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewIncomingRequest wraps a received frame
func NewIncomingRequest(station string, payload []byte, radio RadioMetadata) *IncomingRequest {
	if radio.Time.IsZero() {
		radio.Time = time.Now()
	}
	return &IncomingRequest{
		ID:      uuid.New(),
		Payload: payload,
		Radio:   radio,
		Station: station,
		done:    make(chan struct{}),
	}
}

// Complete records the outcome. Only the first call has an effect.
func (r *IncomingRequest) Complete(o Outcome) bool {
	completed := false
	r.once.Do(func() {
		r.outcome = o
		close(r.done)
		completed = true
	})
	return completed
}

// Done is closed once the request completed
func (r *IncomingRequest) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completed or ctx is done
func (r *IncomingRequest) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Status is the terminal state of a request
type Status int

const (
	StatusCompleted Status = iota
	StatusDropped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusDropped:
		return "dropped"
	default:
		return "failed"
	}
}

// FailureReason explains a dropped or failed request
type FailureReason string

const (
	ReasonNone                    FailureReason = ""
	ReasonInvalidFrame            FailureReason = "InvalidFrame"
	ReasonUnknownDevice           FailureReason = "UnknownDevice"
	ReasonInvalidMIC              FailureReason = "InvalidMIC"
	ReasonInvalidFrameCounter     FailureReason = "InvalidFrameCounter"
	ReasonHandledByAnotherGateway FailureReason = "HandledByAnotherGateway"
	ReasonConcentratorDuplicate   FailureReason = "ConcentratorDuplicate"
	ReasonGatewayDuplicate        FailureReason = "GatewayDuplicate"
	ReasonDeviceBusy              FailureReason = "DeviceBusy"
	ReasonApiCallFailed           FailureReason = "ApiCallFailed"
	ReasonReceiveWindowMissed     FailureReason = "ReceiveWindowMissed"
	ReasonJoinDevNonceAlreadyUsed FailureReason = "JoinDevNonceAlreadyUsed"
	ReasonInvalidJoinRequest      FailureReason = "InvalidJoinRequest"
	ReasonConfigurationError      FailureReason = "ConfigurationError"
	ReasonDownlinkHandoffFailed   FailureReason = "DownlinkHandoffFailed"
)

// Outcome is the result reported through IncomingRequest.Complete
type Outcome struct {
	Status          Status
	Reason          FailureReason
	Downlink        *DownlinkMessage
	DuplicateMarked bool
	Err             error
}

// Completed builds a successful outcome, dl is nil when no downlink was needed
func Completed(dl *DownlinkMessage) Outcome {
	return Outcome{Status: StatusCompleted, Downlink: dl}
}

// Dropped builds an outcome for uplinks discarded without error
func Dropped(reason FailureReason) Outcome {
	return Outcome{Status: StatusDropped, Reason: reason}
}

// Failed builds a failed outcome
func Failed(reason FailureReason, err error) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Err: err}
}
