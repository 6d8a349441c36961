package dedup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/metrics"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Result is the gateway deduplication decision
type Result struct {
	IsDuplicate bool
	CanProcess  bool
}

// GatewayDeduplication asks the directory whether another instance already
// accepted an uplink and applies the device's deduplication mode.
type GatewayDeduplication struct {
	dir        directory.Client
	instanceID string
}

// NewGatewayDeduplication creates a checker for this instance
func NewGatewayDeduplication(dir directory.Client, instanceID string) *GatewayDeduplication {
	return &GatewayDeduplication{dir: dir, instanceID: instanceID}
}

// Resolve applies mode to the uplink fCntUp of devEUI
func (g *GatewayDeduplication) Resolve(ctx context.Context, mode models.DedupMode, devEUI lorawan.EUI64, fCntUp, fCntDown uint32) (Result, error) {
	if mode == models.DedupNone {
		return Result{CanProcess: true}, nil
	}

	res, err := g.dir.CheckDuplicateMessage(ctx, devEUI, fCntUp, g.instanceID, fCntDown)
	if err != nil {
		return Result{}, fmt.Errorf("duplicate check: %w", err)
	}
	if !res.IsDuplicate {
		return Result{CanProcess: true}, nil
	}

	action := "drop"
	out := Result{IsDuplicate: true}
	if mode == models.DedupMark {
		action = "mark"
		out.CanProcess = true
	}
	metrics.DuplicatesTotal.WithLabelValues("gateway", action).Inc()
	log.Debug().
		Str("devEUI", devEUI.String()).
		Uint32("fCnt", fCntUp).
		Str("acceptedBy", res.GatewayID).
		Str("mode", mode.String()).
		Msg("Uplink already accepted by another instance")
	return out, nil
}
