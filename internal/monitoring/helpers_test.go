package monitoring

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-xen/internal/xapitest"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

const (
	refAlpha = "OpaqueRef:vm-a"
	refBeta  = "OpaqueRef:vm-b"
	refDom0  = "OpaqueRef:dom0"
	refTmpl  = "OpaqueRef:tmpl"

	tick    = 10 * time.Millisecond
	waitFor = 2 * time.Second
)

// newTestPool serves two guest VMs, one control domain and one template.
func newTestPool(t *testing.T) *xapitest.Server {
	t.Helper()
	srv := xapitest.NewServer()
	t.Cleanup(srv.Close)
	srv.SetVM(refBeta, xapitest.VMRecord("uuid-b", "beta", "Halted", false, false))
	srv.SetVM(refAlpha, xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	srv.SetVM(refDom0, xapitest.VMRecord("uuid-dom0", "Control domain on host1", "Running", true, false))
	srv.SetVM(refTmpl, xapitest.VMRecord("uuid-tmpl", "Debian 12 template", "Halted", false, true))
	return srv
}

func testOptions() Options {
	return Options{
		InventoryInterval: tick,
		EventInterval:     tick,
		MetricsInterval:   tick,
		Metrics:           newPollMetrics(prometheus.NewRegistry()),
		backoff:           backoffConfig{Initial: 5 * time.Millisecond, Multiplier: 2, Max: 20 * time.Millisecond},
		rng:               func() float64 { return 0.5 },
	}
}

func newTestRegistry(t *testing.T, srv *xapitest.Server, opts Options) *Registry {
	t.Helper()
	client, err := xenapi.NewClient(xenapi.ClientConfig{Host: srv.Host()})
	require.NoError(t, err)
	return NewRegistry(client, opts)
}

// bootstrapRegistry bootstraps against srv and stops the loops when the test
// ends, before the server closes.
func bootstrapRegistry(t *testing.T, srv *xapitest.Server, opts Options) *Registry {
	t.Helper()
	reg := newTestRegistry(t, srv, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		if s := reg.Synchronizer(); s != nil {
			s.Stop()
		}
	})
	require.NoError(t, reg.Bootstrap(ctx, xapitest.DefaultUser, xapitest.DefaultPassword))
	return reg
}

// stoppedRegistry bootstraps and immediately stops the loops so ticks can be
// driven by hand.
func stoppedRegistry(t *testing.T, srv *xapitest.Server, opts Options) (*Registry, *Synchronizer) {
	t.Helper()
	opts.InventoryInterval = time.Hour
	opts.EventInterval = time.Hour
	opts.MetricsInterval = time.Hour
	reg := bootstrapRegistry(t, srv, opts)
	s := reg.Synchronizer()
	s.Stop()
	return reg, s
}

type counters map[string]*atomic.Int64

// subscribeAll registers a counting subscriber under id on every entity.
func subscribeAll(reg *Registry, id string) counters {
	out := make(counters)
	for _, vm := range reg.All() {
		c := new(atomic.Int64)
		out[vm.Ref()] = c
		vm.RegisterSubscriber(id, func() { c.Add(1) })
	}
	return out
}

func (c counters) get(ref string) int64 {
	return c[ref].Load()
}
