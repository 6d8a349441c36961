package models

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// SessionState is the mutable part of a device session
type SessionState struct {
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	NetID    lorawan.NetID
	DevNonce uint16

	FCntUp uint32
	// HasUplink is false until the first uplink of the session is accepted
	HasUplink bool
	FCntDown  uint32

	DataRate int
	TxPower  int
	NbRep    int

	RX1DROffset     int
	RX2DataRate     int
	RXDelay         int
	PreferredWindow int

	// GatewayID is the instance the device is pinned to, empty for any instance
	GatewayID string
	// IsOurDevice is set by this instance's join flow
	IsOurDevice bool

	ADR ADRTable

	LastStation   string
	LastRadio     RadioMetadata
	LastSeen      time.Time
	LastFlushedUp uint32
}

// CloudToDeviceMessage is an application downlink waiting for a transmit opportunity
type CloudToDeviceMessage struct {
	ID        uuid.UUID `json:"id"`
	FPort     uint8     `json:"fPort"`
	Payload   []byte    `json:"payload"`
	Confirmed bool      `json:"confirmed"`
}

// DeviceSession is the in-memory record of one end device. Identity and
// desired configuration never change, a join creates a new session.
type DeviceSession struct {
	DevEUI  lorawan.EUI64
	Desired DesiredProperties

	mu      sync.RWMutex
	state   SessionState
	flushed SessionState
	dirty   bool
	retired bool
	c2d     []CloudToDeviceMessage

	busy atomic.Bool
}

// NewDeviceSession creates a session whose state is already persisted
func NewDeviceSession(devEUI lorawan.EUI64, desired DesiredProperties, state SessionState) *DeviceSession {
	return &DeviceSession{
		DevEUI:  devEUI,
		Desired: desired,
		state:   state,
		flushed: state,
	}
}

// State returns a copy of the current state
func (s *DeviceSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DevAddr returns the current session address
func (s *DeviceSession) DevAddr() lorawan.DevAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.DevAddr
}

// Commit applies all changes of one request atomically and marks the session dirty
func (s *DeviceSession) Commit(apply func(st *SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return
	}
	apply(&s.state)
	s.dirty = reportedDelta(s.flushed, s.state) != ReportedProperties{}
}

// Dirty reports whether reported state is pending
func (s *DeviceSession) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// PendingDelta returns the reported fields changed since the last flush and
// the state snapshot to hand to MarkFlushed once the delta is persisted.
func (s *DeviceSession) PendingDelta() (ReportedProperties, SessionState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.retired {
		return ReportedProperties{}, s.flushed
	}
	return reportedDelta(s.flushed, s.state), s.state
}

// MarkFlushed records snap as persisted
func (s *DeviceSession) MarkFlushed(snap SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return
	}
	snap.LastFlushedUp = snap.FCntUp
	s.flushed = snap
	s.state.LastFlushedUp = snap.FCntUp
	s.dirty = reportedDelta(s.flushed, s.state) != ReportedProperties{}
}

// Retire detaches the session from the directory after a rejoin replaced
// it. Later commits are ignored and nothing is left to flush.
func (s *DeviceSession) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	s.dirty = false
}

// Retired reports whether a rejoin replaced the session
func (s *DeviceSession) Retired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retired
}

// TryAcquire takes exclusive ownership without blocking
func (s *DeviceSession) TryAcquire() bool {
	return s.busy.CompareAndSwap(false, true)
}

// Release returns ownership taken by TryAcquire
func (s *DeviceSession) Release() {
	s.busy.Store(false)
}

// EnqueueC2D appends a message, false when the queue is full
func (s *DeviceSession) EnqueueC2D(msg CloudToDeviceMessage, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.c2d) >= limit {
		return false
	}
	s.c2d = append(s.c2d, msg)
	return true
}

// PeekC2D returns the head of the queue and the queue length
func (s *DeviceSession) PeekC2D() (CloudToDeviceMessage, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.c2d) == 0 {
		return CloudToDeviceMessage{}, 0, false
	}
	return s.c2d[0], len(s.c2d), true
}

// RemoveC2D drops a delivered message
func (s *DeviceSession) RemoveC2D(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.c2d {
		if m.ID == id {
			s.c2d = append(s.c2d[:i], s.c2d[i+1:]...)
			return
		}
	}
}

func reportedDelta(old, cur SessionState) ReportedProperties {
	var d ReportedProperties
	if old.DevAddr != cur.DevAddr {
		d.DevAddr = ptr(cur.DevAddr)
	}
	if old.NwkSKey != cur.NwkSKey {
		d.NwkSKey = ptr(cur.NwkSKey)
	}
	if old.AppSKey != cur.AppSKey {
		d.AppSKey = ptr(cur.AppSKey)
	}
	if old.NetID != cur.NetID {
		d.NetID = ptr(cur.NetID)
	}
	if old.DevNonce != cur.DevNonce {
		d.DevNonce = ptr(cur.DevNonce)
	}
	if cur.HasUplink && (old.FCntUp != cur.FCntUp || !old.HasUplink) {
		d.FCntUp = ptr(cur.FCntUp)
	}
	if old.FCntDown != cur.FCntDown {
		d.FCntDown = ptr(cur.FCntDown)
	}
	if old.DataRate != cur.DataRate {
		d.DataRate = ptr(cur.DataRate)
	}
	if old.TxPower != cur.TxPower {
		d.TxPower = ptr(cur.TxPower)
	}
	if old.NbRep != cur.NbRep {
		d.NbRep = ptr(cur.NbRep)
	}
	if old.RX1DROffset != cur.RX1DROffset {
		d.RX1DROffset = ptr(cur.RX1DROffset)
	}
	if old.RX2DataRate != cur.RX2DataRate {
		d.RX2DataRate = ptr(cur.RX2DataRate)
	}
	if old.RXDelay != cur.RXDelay {
		d.RXDelay = ptr(cur.RXDelay)
	}
	if old.PreferredWindow != cur.PreferredWindow {
		d.PreferredWindow = ptr(cur.PreferredWindow)
	}
	if old.LastStation != cur.LastStation {
		d.LastStation = ptr(cur.LastStation)
	}
	return d
}

// FullReport returns every reported field of st, used when a session is
// persisted for the first time. A stored FCntUp of 0 reloads as a session
// without uplink, so a rejoin overwrites the counter of the previous session.
func FullReport(st SessionState) ReportedProperties {
	return ReportedProperties{
		DevAddr:         ptr(st.DevAddr),
		NwkSKey:         ptr(st.NwkSKey),
		AppSKey:         ptr(st.AppSKey),
		NetID:           ptr(st.NetID),
		DevNonce:        ptr(st.DevNonce),
		FCntUp:          ptr(st.FCntUp),
		FCntDown:        ptr(st.FCntDown),
		DataRate:        ptr(st.DataRate),
		TxPower:         ptr(st.TxPower),
		NbRep:           ptr(st.NbRep),
		RX1DROffset:     ptr(st.RX1DROffset),
		RX2DataRate:     ptr(st.RX2DataRate),
		RXDelay:         ptr(st.RXDelay),
		PreferredWindow: ptr(st.PreferredWindow),
		LastStation:     ptr(st.LastStation),
	}
}

func ptr[T any](v T) *T {
	return &v
}
