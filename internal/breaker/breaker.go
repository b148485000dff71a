// Package breaker wraps a Redis call in a circuit breaker. The gateway
// uses it around the admin API's update publish, so a struggling Redis
// cluster fails that publish fast while the locally applied dbd snapshot
// keeps being served; the startup bulk load and the pub/sub watch do not
// go through a breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"

	"github.com/nanjiek/dbd-gateway/internal/config"
)

// ErrOpen is returned by Do when the breaker is open or half-open and this
// call was not admitted as a probe.
var ErrOpen = errors.New("breaker: circuit open, refresh skipped")

// Breaker guards a single named resource (a refresh operation) with a
// sentinel-golang circuit breaker rule. A disabled config makes every Do
// call a direct passthrough.
type Breaker struct {
	resource string
	enabled  bool
}

// New constructs a Breaker for resource, loading its sentinel rule from
// cfg. When cfg.Enabled is false, Do never blocks.
func New(resource string, cfg config.BreakerCfg) (*Breaker, error) {
	if !cfg.Enabled {
		return &Breaker{resource: resource}, nil
	}

	if err := api.InitDefault(); err != nil {
		return nil, fmt.Errorf("breaker: sentinel init failed: %w", err)
	}

	_, err := circuitbreaker.LoadRules([]*circuitbreaker.Rule{
		{
			Resource:         resource,
			Strategy:         circuitbreaker.ErrorRatio,
			RetryTimeoutMs:   cfg.RetryTimeoutMs,
			MinRequestAmount: cfg.MinRequestAmount,
			StatIntervalMs:   cfg.StatIntervalMs,
			Threshold:        cfg.ErrorRatioThreshold,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("breaker: load rules for %s failed: %w", resource, err)
	}

	return &Breaker{resource: resource, enabled: true}, nil
}

// Do runs fn under the breaker. If the breaker is open, fn is not called
// and Do returns ErrOpen; otherwise fn's own error is fed back into the
// breaker's error-ratio tracking before being returned to the caller.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.enabled {
		return fn(ctx)
	}

	entry, blockErr := api.Entry(b.resource, api.WithTrafficType(base.Inbound))
	if blockErr != nil {
		return ErrOpen
	}
	defer entry.Exit()

	err := fn(ctx)
	if err != nil {
		api.TraceError(entry, err)
	}
	return err
}
