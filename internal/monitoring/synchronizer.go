package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/internal/logging"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

// rrd_updates sample resolution in seconds.
const metricsStep = 5

var errAlreadyStarted = errors.New("synchronizer already started")

// Synchronizer runs the inventory, event and metrics loops for one registry
// and fans successful ticks out to entity subscribers.
type Synchronizer struct {
	registry *Registry
	opts     Options
	metrics  *PollMetrics
	loops    map[LoopKind]*loopStatus

	mu      sync.RWMutex
	token   string
	events  *xenapi.EventBatch
	rrdRaw  []byte
	rrd     *xenapi.RRDUpdates
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func newSynchronizer(registry *Registry, opts Options) *Synchronizer {
	if opts.rng == nil {
		opts.rng = rand.Float64
	}
	loops := make(map[LoopKind]*loopStatus, len(loopKinds))
	for _, kind := range loopKinds {
		loops[kind] = &loopStatus{}
	}
	return &Synchronizer{
		registry: registry,
		opts:     opts,
		metrics:  opts.Metrics,
		loops:    loops,
	}
}

// Start launches the three loops. They stop when ctx is cancelled, when Stop
// is called or, for the event and metrics loops, when their failure policy
// gives up.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return internalerrors.NewXenError(internalerrors.ErrorTypeValidation, "synchronizer.start", s.registry.Host(), errAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(ctx)
	group := new(errgroup.Group)

	group.Go(func() error {
		return s.run(ctx, LoopInventory, s.opts.InventoryInterval, FailurePolicyRetry, s.pollInventory)
	})
	group.Go(func() error {
		return s.run(ctx, LoopEvents, s.opts.EventInterval, s.opts.FailurePolicy, s.pollEvents)
	})
	group.Go(func() error {
		return s.run(ctx, LoopMetrics, s.opts.MetricsInterval, s.opts.FailurePolicy, s.pollMetrics)
	})

	s.started = true
	s.cancel = cancel
	s.group = group

	log.Info().
		Str("host", s.registry.Host()).
		Str("failurePolicy", string(s.opts.FailurePolicy)).
		Str("notifyMode", string(s.opts.NotifyMode)).
		Msg("Synchronizer started")
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (s *Synchronizer) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = s.Wait()
}

// Wait blocks until every loop has exited and returns the error of the first
// loop that terminated on failure, if any.
func (s *Synchronizer) Wait() error {
	s.mu.RLock()
	group := s.group
	s.mu.RUnlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

func (s *Synchronizer) State(kind LoopKind) LoopState {
	status, ok := s.loops[kind]
	if !ok {
		return LoopIdle
	}
	return status.load()
}

func (s *Synchronizer) States() map[LoopKind]LoopState {
	out := make(map[LoopKind]LoopState, len(s.loops))
	for kind, status := range s.loops {
		out[kind] = status.load()
	}
	return out
}

// EventToken returns the current event cursor, empty until event.inject
// succeeds.
func (s *Synchronizer) EventToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Synchronizer) LatestEvents() *xenapi.EventBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// LatestMetrics returns the raw body of the last successful rrd_updates fetch.
func (s *Synchronizer) LatestMetrics() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rrdRaw
}

// LatestRRD returns the parsed metrics, nil when the last body did not parse.
func (s *Synchronizer) LatestRRD() *xenapi.RRDUpdates {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rrd
}

// run drives one loop until cancellation or until its failure policy gives up.
func (s *Synchronizer) run(ctx context.Context, kind LoopKind, interval time.Duration, policy FailurePolicy, tick func(context.Context) error) error {
	status := s.loops[kind]
	if !status.begin() {
		log.Warn().Str("loop", string(kind)).Msg("Loop already running or terminated; not starting another")
		return nil
	}
	s.metrics.SetLoopState(kind, LoopRunning)
	logger := logging.WithComponent("synchronizer").With().Str("loop", string(kind)).Logger()
	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		logger.Debug().Dur("interval", interval).Msg("Loop started")
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return s.idle(kind, status)
		}

		started := time.Now()
		err := tick(ctx)
		s.metrics.RecordResult(kind, err, time.Since(started), s.opts.Now())

		wait := interval
		if err != nil {
			if ctx.Err() != nil {
				return s.idle(kind, status)
			}
			failures++
			switch policy {
			case FailurePolicyRetry:
				logger.Warn().Err(err).Int("failures", failures).Msg("Loop tick failed; retrying next interval")
			case FailurePolicyBackoff:
				if failures > s.opts.MaxRetries {
					return s.terminate(kind, status, logger, err)
				}
				wait = s.opts.backoff.nextDelay(failures-1, s.opts.rng())
				logger.Warn().Err(err).Int("failures", failures).Dur("retryIn", wait).Msg("Loop tick failed; backing off")
			default:
				return s.terminate(kind, status, logger, err)
			}
		} else {
			failures = 0
		}

		if !sleepContext(ctx, wait) {
			return s.idle(kind, status)
		}
	}
}

func (s *Synchronizer) idle(kind LoopKind, status *loopStatus) error {
	status.release()
	s.metrics.SetLoopState(kind, status.load())
	return nil
}

func (s *Synchronizer) terminate(kind LoopKind, status *loopStatus, logger zerolog.Logger, err error) error {
	status.terminate()
	s.metrics.SetLoopState(kind, LoopTerminated)
	logger.Error().
		Err(err).
		Str("errorType", string(internalerrors.ErrorTypeOf(err))).
		Msg("Loop terminated after failure; no further polling")
	return fmt.Errorf("%s loop terminated: %w", kind, err)
}

func (s *Synchronizer) pollInventory(ctx context.Context) error {
	records, err := s.registry.RefreshInventory(ctx)
	if err != nil {
		return err
	}
	s.registry.noteUntracked(records)
	s.publish(LoopInventory, nil)
	return nil
}

func (s *Synchronizer) pollEvents(ctx context.Context) error {
	session := s.registry.Session()
	token := s.EventToken()
	if token == "" {
		poolRef, _ := s.registry.Pool()
		injected, err := session.InjectEvent(ctx, "pool", poolRef)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.token = injected
		s.mu.Unlock()
		token = injected
	}

	batch, err := session.EventsFrom(ctx, s.opts.EventClasses, token, s.opts.EventTimeout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.events = batch
	if s.opts.AdvanceEventCursor && batch.Token != "" {
		s.token = batch.Token
	}
	s.mu.Unlock()

	s.publish(LoopEvents, s.eventTargets(batch))
	return nil
}

// eventTargets maps vm and vm_metrics events to the refs of tracked entities.
func (s *Synchronizer) eventTargets(batch *xenapi.EventBatch) map[string]struct{} {
	targets := batch.RefsForClasses("vm")
	metricsRefs := batch.RefsForClasses("vm_metrics")
	if len(metricsRefs) == 0 {
		return targets
	}
	for _, vm := range s.registry.All() {
		if _, ok := metricsRefs[vm.metricsRef()]; ok {
			targets[vm.Ref()] = struct{}{}
		}
	}
	return targets
}

func (s *Synchronizer) pollMetrics(ctx context.Context) error {
	session := s.registry.Session()
	start := s.opts.Now().Add(-s.opts.MetricsWindow)
	raw, err := session.RRDUpdates(ctx, start, metricsStep, true)
	if err != nil {
		return err
	}

	parsed, perr := xenapi.ParseRRDUpdates(raw)
	if perr != nil {
		log.Debug().Err(perr).Msg("Storing unparsed rrd_updates payload")
	}

	s.mu.Lock()
	s.rrdRaw = raw
	s.rrd = parsed
	s.mu.Unlock()

	var targets map[string]struct{}
	if parsed != nil {
		uuids := parsed.UUIDs("vm")
		targets = make(map[string]struct{}, len(uuids))
		for uuid := range uuids {
			if vm, ok := s.registry.VMByUUID(uuid); ok {
				targets[vm.Ref()] = struct{}{}
			}
		}
	}
	s.publish(LoopMetrics, targets)
	return nil
}

// publish applies the latest inventory record to every entity and notifies
// subscribers. In NotifyChanged mode only entities whose record changed or
// that appear in targets are notified.
func (s *Synchronizer) publish(kind LoopKind, targets map[string]struct{}) {
	inventory := s.registry.latestInventory()
	notified := 0
	for _, vm := range s.registry.All() {
		changed := false
		if rec, ok := inventory[vm.Ref()]; ok {
			changed = vm.ApplySnapshot(rec)
		}
		if s.opts.NotifyMode == NotifyChanged {
			if _, targeted := targets[vm.Ref()]; !changed && !targeted {
				continue
			}
		}
		notified += vm.NotifySubscribers()
	}
	s.metrics.AddNotifications(kind, notified)
}
