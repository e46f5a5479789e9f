// Package pipeline implements the per-request dispatch loop: given a parsed
// Notification, resolve each device to a backend, fan out to it (batching
// where the backend supports it), and collect rejected pushkeys. Devices
// are processed in request order; only cross-request concurrency exists
// (§4.2, §4.8, §5).
package pipeline

import (
	"context"
	"log/slog"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/pkg/backend"
	"github.com/matrixpush/gateway/pkg/notification"
)

// Pipeline drives one notification's dispatch across its devices.
type Pipeline struct {
	router  *backend.Router
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New constructs a Pipeline.
func New(router *backend.Router, reg *metrics.Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{router: router, metrics: reg, logger: logger}
}

// batchGroup accumulates the devices of one Notification that share a
// BatchDispatcher-capable backend, so they can be sent in a single call
// instead of one Dispatch per device (§4.8).
type batchGroup struct {
	dispatcher backend.BatchDispatcher
	devices    []notification.Device
}

// Dispatch resolves and sends n to every one of its devices, in order.
// It returns the pushkeys known to be permanently invalid. A non-nil error
// means the whole notification failed — the caller maps it to an HTTP
// status via httpapi's classify; no partial "rejected" list is meaningful in that
// case because the upstream pushkin contract aborts the dispatch loop on
// the first error instead of carrying on to the remaining devices.
func (p *Pipeline) Dispatch(ctx context.Context, n notification.Notification, nctx notification.Context) ([]string, error) {
	if p.metrics != nil {
		p.metrics.NotificationsReceived.Inc()
	}

	// rejectedByDevice holds, per device index in n.Devices, the (at most
	// one) pushkey that device contributes to the rejected list. Batch
	// groups are dispatched after the main loop, but their results are
	// slotted back into the index of the device they came from, so the
	// final flattened list stays in original device order regardless of
	// how batch and non-batch devices are interleaved.
	rejectedByDevice := make([][]string, len(n.Devices))
	groups := map[string]*batchGroup{}
	var groupOrder []string
	groupDeviceIndices := map[string][]int{}

	for i, d := range n.Devices {
		if p.metrics != nil {
			p.metrics.DevicesReceived.Inc()
		}

		b, err := p.router.Resolve(d.AppID)
		if err != nil {
			p.logger.Warn("no backend for app id", "app_id", d.AppID, "err", err)
			rejectedByDevice[i] = []string{d.Pushkey}
			continue
		}

		if p.metrics != nil {
			p.metrics.Dispatches.WithLabelValues(b.Name()).Inc()
		}

		if bd, ok := b.(backend.BatchDispatcher); ok {
			name := b.Name()
			g, exists := groups[name]
			if !exists {
				g = &batchGroup{dispatcher: bd}
				groups[name] = g
				groupOrder = append(groupOrder, name)
			}
			g.devices = append(g.devices, d)
			groupDeviceIndices[name] = append(groupDeviceIndices[name], i)
			continue
		}

		result, err := b.Dispatch(ctx, n, d, nctx)
		if err != nil {
			return nil, err
		}
		rejectedByDevice[i] = result
	}

	for _, name := range groupOrder {
		g := groups[name]
		result, err := g.dispatcher.DispatchBatch(ctx, n, g.devices, nctx)
		if err != nil {
			return nil, err
		}
		rejectedSet := make(map[string]struct{}, len(result))
		for _, pk := range result {
			rejectedSet[pk] = struct{}{}
		}
		for _, idx := range groupDeviceIndices[name] {
			if _, rejected := rejectedSet[n.Devices[idx].Pushkey]; rejected {
				rejectedByDevice[idx] = []string{n.Devices[idx].Pushkey}
			}
		}
	}

	rejected := []string{}
	for _, r := range rejectedByDevice {
		rejected = append(rejected, r...)
	}

	return rejected, nil
}
