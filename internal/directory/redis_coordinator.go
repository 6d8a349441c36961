package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// reserveFCntDownScript returns max(stored, ARGV[1]) + ARGV[2] and stores it
var reserveFCntDownScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local base = tonumber(ARGV[1])
if cur > base then
	base = cur
end
local nxt = base + tonumber(ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], nxt, 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], nxt)
end
return nxt
`)

// claimUplinkScript records the first instance to claim an uplink and returns it
var claimUplinkScript = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
if ok then
	return ARGV[1]
end
return redis.call('GET', KEYS[1])
`)

// RedisCoordinator serves counter reservations and duplicate checks from
// Redis and delegates everything else to the wrapped client.
type RedisCoordinator struct {
	Client

	rdb      redis.UniversalClient
	prefix   string
	fcntTTL  time.Duration
	dedupTTL time.Duration
}

// NewRedisCoordinator wraps next
func NewRedisCoordinator(next Client, rdb redis.UniversalClient, prefix string, fcntTTL, dedupTTL time.Duration) *RedisCoordinator {
	if prefix == "" {
		prefix = "lorawan-ns"
	}
	if dedupTTL <= 0 {
		dedupTTL = time.Minute
	}
	return &RedisCoordinator{
		Client:   next,
		rdb:      rdb,
		prefix:   prefix,
		fcntTTL:  fcntTTL,
		dedupTTL: dedupTTL,
	}
}

func (c *RedisCoordinator) fcntKey(devEUI lorawan.EUI64) string {
	return fmt.Sprintf("%s:fcntdown:%s", c.prefix, devEUI)
}

// sessionKey holds the address of the device's current session
func (c *RedisCoordinator) sessionKey(devEUI lorawan.EUI64) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, devEUI)
}

func (c *RedisCoordinator) dedupKey(devEUI lorawan.EUI64, devAddr string, fCntUp uint32) string {
	return fmt.Sprintf("%s:uplink:%s:%s:%d", c.prefix, devEUI, devAddr, fCntUp)
}

// UpdateReportedProperties records a new session address for claim scoping
// once the wrapped directory stored the delta
func (c *RedisCoordinator) UpdateReportedProperties(ctx context.Context, devEUI lorawan.EUI64, delta models.ReportedProperties) error {
	if err := c.Client.UpdateReportedProperties(ctx, devEUI, delta); err != nil {
		return err
	}
	if delta.DevAddr == nil {
		return nil
	}
	if err := c.rdb.Set(ctx, c.sessionKey(devEUI), delta.DevAddr.String(), 0).Err(); err != nil {
		log.Warn().Err(err).Str("devEUI", devEUI.String()).Msg("Failed to record session address")
	}
	return nil
}

// NextFCntDown reserves a downlink counter with a single atomic script
func (c *RedisCoordinator) NextFCntDown(ctx context.Context, devEUI lorawan.EUI64, current, delta uint32, instanceID string) (uint32, error) {
	if delta == 0 {
		delta = 1
	}
	v, err := reserveFCntDownScript.Run(ctx, c.rdb,
		[]string{c.fcntKey(devEUI)},
		current, delta, c.fcntTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve fcnt down %s: %w", devEUI, err)
	}
	return uint32(v), nil
}

// CheckDuplicateMessage claims the uplink for instanceID, later claims by other instances are duplicates
func (c *RedisCoordinator) CheckDuplicateMessage(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, instanceID string, fCntDown uint32) (*DuplicateResult, error) {
	devAddr, err := c.rdb.Get(ctx, c.sessionKey(devEUI)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("duplicate check %s: %w", devEUI, err)
	}
	owner, err := claimUplinkScript.Run(ctx, c.rdb,
		[]string{c.dedupKey(devEUI, devAddr, fCntUp)},
		instanceID, c.dedupTTL.Milliseconds(),
	).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("duplicate check %s: %w", devEUI, err)
	}
	return &DuplicateResult{
		IsDuplicate: owner != instanceID,
		GatewayID:   owner,
	}, nil
}
