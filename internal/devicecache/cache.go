package devicecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

var (
	// ErrNoCandidates is returned when the directory knows no device for an address
	ErrNoCandidates = errors.New("no device registered for session address")
	// ErrMICMismatch is returned when no candidate validates the frame
	ErrMICMismatch = errors.New("no candidate validates the MIC")
)

// MICTrial reports whether a frame validates with nwkSKey, given the last
// accepted uplink counter of the candidate.
type MICTrial func(nwkSKey lorawan.AES128Key, lastFCntUp uint32) bool

// Options configures a Cache
type Options struct {
	InstanceID       string
	FCntSaveInterval uint32
	Region           *lorawan.RegionConfiguration
}

// Cache keeps device sessions by session address. Candidates for an address
// are fetched from the directory once, concurrent misses share one call.
type Cache struct {
	dir  directory.Client
	opts Options

	buckets *xsync.Map[lorawan.DevAddr, *bucket]
	byEUI   *xsync.Map[lorawan.EUI64, *models.DeviceSession]

	fetches singleflight.Group
	loads   singleflight.Group
}

type bucket struct {
	mu         sync.RWMutex
	loaded     bool
	candidates map[lorawan.EUI64]*candidate
}

type candidate struct {
	info    directory.DeviceInfo
	session *models.DeviceSession
}

// New creates an empty cache
func New(dir directory.Client, opts Options) *Cache {
	return &Cache{
		dir:     dir,
		opts:    opts,
		buckets: xsync.NewMap[lorawan.DevAddr, *bucket](),
		byEUI:   xsync.NewMap[lorawan.EUI64, *models.DeviceSession](),
	}
}

// Resolve returns the session registered under addr whose key validates the
// frame. Candidates not loaded yet are first tried with a zero counter, their
// twin is only fetched when that fails.
func (c *Cache) Resolve(ctx context.Context, addr lorawan.DevAddr, trial MICTrial) (*models.DeviceSession, error) {
	b, err := c.bucket(ctx, addr)
	if err != nil {
		return nil, err
	}

	cands := b.snapshot()
	if len(cands) == 0 {
		metrics.CacheLookups.WithLabelValues("empty").Inc()
		return nil, ErrNoCandidates
	}

	var pending []candidate
	for _, cand := range cands {
		if cand.session != nil {
			st := cand.session.State()
			if st.DevAddr == addr && trial(st.NwkSKey, st.FCntUp) {
				metrics.CacheLookups.WithLabelValues("hit").Inc()
				return cand.session, nil
			}
			continue
		}
		if trial(cand.info.NwkSKey, 0) {
			s, err := c.load(ctx, b, cand.info)
			if errors.Is(err, directory.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if s.DevAddr() == addr {
				metrics.CacheLookups.WithLabelValues("load").Inc()
				return s, nil
			}
			continue
		}
		pending = append(pending, cand)
	}

	for _, cand := range pending {
		s, err := c.load(ctx, b, cand.info)
		if errors.Is(err, directory.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st := s.State()
		if st.DevAddr == addr && trial(st.NwkSKey, st.FCntUp) {
			metrics.CacheLookups.WithLabelValues("load").Inc()
			return s, nil
		}
	}

	metrics.CacheLookups.WithLabelValues("mic_mismatch").Inc()
	return nil, ErrMICMismatch
}

// GetByDevEUI returns a cached session
func (c *Cache) GetByDevEUI(devEUI lorawan.EUI64) (*models.DeviceSession, bool) {
	return c.byEUI.Load(devEUI)
}

// LoadByDevEUI returns the cached session or builds one from the twin
func (c *Cache) LoadByDevEUI(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	if s, ok := c.byEUI.Load(devEUI); ok {
		return s, nil
	}
	s, err := c.loadTwin(ctx, devEUI, nil)
	if err != nil {
		return nil, err
	}
	actual, loaded := c.byEUI.LoadOrStore(devEUI, s)
	if !loaded {
		c.attach(actual)
		metrics.CachedSessions.Set(float64(c.byEUI.Size()))
	}
	return actual, nil
}

// AdoptJoinedSession replaces whatever session the device had with s
func (c *Cache) AdoptJoinedSession(s *models.DeviceSession) {
	if old, ok := c.byEUI.Load(s.DevEUI); ok && old != s {
		c.detach(old.DevAddr())
	}
	c.byEUI.Store(s.DevEUI, s)
	c.attach(s)
	metrics.CachedSessions.Set(float64(c.byEUI.Size()))
}

// Remove evicts a device, false when it was not cached
func (c *Cache) Remove(devEUI lorawan.EUI64) bool {
	s, ok := c.byEUI.LoadAndDelete(devEUI)
	if !ok {
		return false
	}
	c.detach(s.DevAddr())
	metrics.CachedSessions.Set(float64(c.byEUI.Size()))
	return true
}

// Reset drops every cached session and address bucket
func (c *Cache) Reset() {
	c.buckets.Clear()
	c.byEUI.Clear()
	metrics.CachedSessions.Set(0)
	log.Info().Msg("Device cache reset")
}

// Len returns the number of sessions with a loaded twin
func (c *Cache) Len() int {
	return c.byEUI.Size()
}

// Range calls fn for every loaded session until fn returns false
func (c *Cache) Range(fn func(s *models.DeviceSession) bool) {
	c.byEUI.Range(func(_ lorawan.EUI64, s *models.DeviceSession) bool {
		return fn(s)
	})
}

func (c *Cache) bucket(ctx context.Context, addr lorawan.DevAddr) (*bucket, error) {
	if b, ok := c.buckets.Load(addr); ok && b.isLoaded() {
		return b, nil
	}

	_, err, _ := c.fetches.Do(addr.String(), func() (any, error) {
		infos, err := c.dir.SearchBySessionAddress(ctx, addr)
		if errors.Is(err, directory.ErrNotFound) {
			infos, err = nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("search devices for %s: %w", addr, err)
		}

		b, _ := c.buckets.LoadOrStore(addr, newBucket())
		b.fill(infos, c.byEUI)
		log.Debug().Str("devAddr", addr.String()).Int("candidates", len(infos)).Msg("Fetched session address candidates")
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	b, ok := c.buckets.Load(addr)
	if !ok {
		// reset while the fetch was in flight
		b = newBucket()
		b.loaded = true
	}
	return b, nil
}

// load returns the device's session. A session living under another
// address is returned without being attached to b, the directory hit was stale.
func (c *Cache) load(ctx context.Context, b *bucket, info directory.DeviceInfo) (*models.DeviceSession, error) {
	s, ok := c.byEUI.Load(info.DevEUI)
	if !ok {
		loaded, err := c.loadTwin(ctx, info.DevEUI, &info)
		if err != nil {
			return nil, err
		}
		s, _ = c.byEUI.LoadOrStore(info.DevEUI, loaded)
		metrics.CachedSessions.Set(float64(c.byEUI.Size()))
	}
	if s.DevAddr() == info.DevAddr {
		b.setSession(info.DevEUI, s)
	}
	return s, nil
}

func (c *Cache) loadTwin(ctx context.Context, devEUI lorawan.EUI64, info *directory.DeviceInfo) (*models.DeviceSession, error) {
	v, err, _ := c.loads.Do(devEUI.String(), func() (any, error) {
		twin, err := c.dir.GetTwin(ctx, devEUI)
		if err != nil {
			return nil, fmt.Errorf("load twin %s: %w", devEUI, err)
		}
		return c.newSession(twin, info)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.DeviceSession), nil
}

// newSession builds the state of a device that already has a session in the directory
func (c *Cache) newSession(twin *models.Twin, info *directory.DeviceInfo) (*models.DeviceSession, error) {
	desired := twin.Desired
	rep := twin.Reported
	st := models.SessionState{}

	switch {
	case rep.DevAddr != nil:
		st.DevAddr = *rep.DevAddr
	case desired.DevAddr != nil:
		st.DevAddr = *desired.DevAddr
	case info != nil:
		st.DevAddr = info.DevAddr
	default:
		return nil, fmt.Errorf("device %s has no session address", twin.DevEUI)
	}
	switch {
	case rep.NwkSKey != nil:
		st.NwkSKey = *rep.NwkSKey
	case desired.NwkSKey != nil:
		st.NwkSKey = *desired.NwkSKey
	case info != nil:
		st.NwkSKey = info.NwkSKey
	}
	switch {
	case rep.AppSKey != nil:
		st.AppSKey = *rep.AppSKey
	case desired.AppSKey != nil:
		st.AppSKey = *desired.AppSKey
	}
	if rep.NetID != nil {
		st.NetID = *rep.NetID
	}
	if rep.DevNonce != nil {
		st.DevNonce = *rep.DevNonce
	}
	if rep.FCntUp != nil {
		st.FCntUp = *rep.FCntUp
		// 0 is written by a join before any uplink, a replayed first frame is accepted once
		st.HasUplink = st.FCntUp > 0
	}
	if rep.FCntDown != nil {
		st.FCntDown = *rep.FCntDown
	}

	st.DataRate = c.opts.Region.MinADRDataRate
	if rep.DataRate != nil {
		st.DataRate = *rep.DataRate
	}
	if rep.TxPower != nil {
		st.TxPower = *rep.TxPower
	}
	st.NbRep = 1
	if rep.NbRep != nil && *rep.NbRep > 0 {
		st.NbRep = *rep.NbRep
	}

	rx := models.ResolveRXSettings(&desired, c.opts.Region)
	st.RX1DROffset = rx.RX1DROffset
	st.RX2DataRate = rx.RX2DataRate
	st.RXDelay = rx.RXDelay
	st.PreferredWindow = rx.PreferredWindow
	if rep.RX1DROffset != nil {
		st.RX1DROffset = *rep.RX1DROffset
	}
	if rep.RX2DataRate != nil {
		st.RX2DataRate = *rep.RX2DataRate
	}
	if rep.RXDelay != nil {
		st.RXDelay = *rep.RXDelay
	}
	if rep.PreferredWindow != nil {
		st.PreferredWindow = *rep.PreferredWindow
	}
	if rep.LastStation != nil {
		st.LastStation = *rep.LastStation
	}

	st.GatewayID = desired.GatewayID
	if st.GatewayID == "" && info != nil {
		st.GatewayID = info.GatewayID
	}
	st.LastFlushedUp = st.FCntUp

	s := models.NewDeviceSession(twin.DevEUI, desired, st)

	// A pinned device may have sent downlinks that were never flushed, skip past them.
	if st.GatewayID != "" && st.GatewayID == c.opts.InstanceID && (st.HasUplink || st.FCntDown > 0) {
		s.Commit(func(st *models.SessionState) {
			st.FCntDown += c.opts.FCntSaveInterval
		})
	}
	return s, nil
}

func (c *Cache) attach(s *models.DeviceSession) {
	addr := s.DevAddr()
	b, _ := c.buckets.LoadOrStore(addr, newBucket())
	b.setSession(s.DevEUI, s)
}

// detach drops the whole bucket, the next lookup of addr refetches the
// remaining candidates from the directory.
func (c *Cache) detach(addr lorawan.DevAddr) {
	c.buckets.Delete(addr)
}

func newBucket() *bucket {
	return &bucket{candidates: make(map[lorawan.EUI64]*candidate)}
}

func (b *bucket) isLoaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

// fill merges directory hits, sessions already present take precedence
func (b *bucket) fill(infos []directory.DeviceInfo, sessions *xsync.Map[lorawan.EUI64, *models.DeviceSession]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, info := range infos {
		if _, ok := b.candidates[info.DevEUI]; ok {
			continue
		}
		cand := &candidate{info: info}
		if s, ok := sessions.Load(info.DevEUI); ok && s.DevAddr() == info.DevAddr {
			cand.session = s
		}
		b.candidates[info.DevEUI] = cand
	}
	b.loaded = true
}

func (b *bucket) snapshot() []candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]candidate, 0, len(b.candidates))
	for _, cand := range b.candidates {
		out = append(out, *cand)
	}
	return out
}

func (b *bucket) setSession(devEUI lorawan.EUI64, s *models.DeviceSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cand, ok := b.candidates[devEUI]
	if !ok {
		cand = &candidate{info: directory.DeviceInfo{DevEUI: devEUI, DevAddr: s.DevAddr()}}
		b.candidates[devEUI] = cand
	}
	cand.session = s
}
