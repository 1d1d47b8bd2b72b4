package monitoring

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

const (
	DefaultInventoryInterval = 5 * time.Second
	DefaultEventInterval     = 5 * time.Second
	DefaultMetricsInterval   = 5 * time.Second
	DefaultEventTimeout      = 5.001
	DefaultMetricsWindow     = 595 * time.Second
	DefaultMaxRetries        = 5
)

// Options tune the registry and its synchronizer. Zero values take the
// defaults above.
type Options struct {
	InventoryInterval  time.Duration
	EventInterval      time.Duration
	MetricsInterval    time.Duration
	EventTimeout       float64
	MetricsWindow      time.Duration
	EventClasses       []string
	FailurePolicy      FailurePolicy
	MaxRetries         int
	NotifyMode         NotifyMode
	AdvanceEventCursor bool
	Metrics            *PollMetrics
	Now                func() time.Time

	backoff backoffConfig
	rng     func() float64
}

func (o Options) withDefaults() Options {
	if o.InventoryInterval <= 0 {
		o.InventoryInterval = DefaultInventoryInterval
	}
	if o.EventInterval <= 0 {
		o.EventInterval = DefaultEventInterval
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = DefaultMetricsInterval
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = DefaultEventTimeout
	}
	if o.MetricsWindow <= 0 {
		o.MetricsWindow = DefaultMetricsWindow
	}
	if len(o.EventClasses) == 0 {
		o.EventClasses = xenapi.DefaultEventClasses
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = FailurePolicyStop
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.NotifyMode == "" {
		o.NotifyMode = NotifyAll
	}
	if o.Metrics == nil {
		o.Metrics = GetPollMetrics()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.backoff == (backoffConfig{}) {
		o.backoff = defaultBackoff
	}
	return o
}

// Registry owns the session, the pool descriptor and every tracked entity.
// Entities are created once at bootstrap and never added or removed.
type Registry struct {
	client *xenapi.Client
	opts   Options

	mu             sync.RWMutex
	bootstrapping  bool
	bootstrapped   bool
	session        *xenapi.Session
	poolRef        string
	pool           xenapi.Record
	inventory      map[string]xenapi.Record
	byRef          map[string]*VirtualMachine
	byUUID         map[string]*VirtualMachine
	vms            []*VirtualMachine
	controlDomains []*VirtualMachine
	ignored        map[string]struct{}
	synchronizer   *Synchronizer
}

func NewRegistry(client *xenapi.Client, opts Options) *Registry {
	return &Registry{
		client:  client,
		opts:    opts.withDefaults(),
		byRef:   make(map[string]*VirtualMachine),
		byUUID:  make(map[string]*VirtualMachine),
		ignored: make(map[string]struct{}),
	}
}

// Bootstrap logs in, loads the pool and the inventory, builds the entities and
// starts the synchronizer. Loops run until ctx is cancelled. Any error aborts
// before the synchronizer starts.
func (r *Registry) Bootstrap(ctx context.Context, username, password string) error {
	const op = "bootstrap"

	r.mu.Lock()
	if r.bootstrapped || r.bootstrapping {
		r.mu.Unlock()
		return internalerrors.NewXenError(internalerrors.ErrorTypeValidation, op, r.client.Host(), fmt.Errorf("registry already bootstrapped"))
	}
	r.bootstrapping = true
	r.mu.Unlock()

	ok := false
	defer func() {
		r.mu.Lock()
		r.bootstrapping = false
		r.bootstrapped = ok
		r.mu.Unlock()
	}()

	session, err := r.client.Login(ctx, username, password)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()

	if err := r.loadPool(ctx); err != nil {
		return err
	}

	records, err := r.RefreshInventory(ctx)
	if err != nil {
		return err
	}
	if err := r.buildEntities(session, records); err != nil {
		return err
	}

	synchronizer := newSynchronizer(r, r.opts)
	if err := synchronizer.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.synchronizer = synchronizer
	vmCount, cdCount := len(r.vms), len(r.controlDomains)
	r.mu.Unlock()

	log.Info().
		Str("host", r.client.Host()).
		Str("pool", r.poolRef).
		Int("vms", vmCount).
		Int("controlDomains", cdCount).
		Msg("Pool registry bootstrapped")

	ok = true
	return nil
}

func (r *Registry) loadPool(ctx context.Context) error {
	pools, err := r.Session().PoolRecords(ctx)
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return internalerrors.WrapRemoteError("pool.get_all_records", r.client.Host(), fmt.Errorf("no pool record returned"), 0)
	}

	refs := make([]string, 0, len(pools))
	for ref := range pools {
		refs = append(refs, ref)
	}
	slices.Sort(refs)

	r.mu.Lock()
	r.poolRef = refs[0]
	r.pool = pools[refs[0]]
	r.mu.Unlock()
	return nil
}

func (r *Registry) buildEntities(session *xenapi.Session, records map[string]xenapi.Record) error {
	byRef := make(map[string]*VirtualMachine, len(records))
	byUUID := make(map[string]*VirtualMachine, len(records))
	var vms, cds []*VirtualMachine

	for ref, rec := range records {
		uuid := rec.UUID()
		if uuid == "" {
			return internalerrors.WrapRemoteError("VM.get_all_records", r.client.Host(), fmt.Errorf("record %s has no uuid", ref), 0)
		}
		if existing, dup := byUUID[uuid]; dup {
			return internalerrors.WrapRemoteError("VM.get_all_records", r.client.Host(),
				fmt.Errorf("duplicate uuid %s for %s and %s", uuid, existing.Ref(), ref), 0)
		}
		vm := newVirtualMachine(session, ref, rec)
		byRef[ref] = vm
		byUUID[uuid] = vm
		if vm.Kind() == KindControlDomain {
			cds = append(cds, vm)
		} else {
			vms = append(vms, vm)
		}
	}

	sortEntities(vms)
	sortEntities(cds)

	r.mu.Lock()
	r.byRef = byRef
	r.byUUID = byUUID
	r.vms = vms
	r.controlDomains = cds
	r.mu.Unlock()

	r.opts.Metrics.SetEntities(KindVM, len(vms))
	r.opts.Metrics.SetEntities(KindControlDomain, len(cds))
	return nil
}

func sortEntities(list []*VirtualMachine) {
	slices.SortFunc(list, func(a, b *VirtualMachine) int {
		return cmp.Or(cmp.Compare(a.Name(), b.Name()), cmp.Compare(a.UUID(), b.UUID()))
	})
}

// RefreshInventory fetches every VM record, drops templates, stores the result
// as the latest inventory and returns it.
func (r *Registry) RefreshInventory(ctx context.Context) (map[string]xenapi.Record, error) {
	session := r.Session()
	if session == nil {
		return nil, internalerrors.NewXenError(internalerrors.ErrorTypeValidation, "VM.get_all_records", r.client.Host(), fmt.Errorf("no session"))
	}

	all, err := session.VMRecords(ctx)
	if err != nil {
		return nil, err
	}

	records := make(map[string]xenapi.Record, len(all))
	for ref, rec := range all {
		if rec.IsTemplate() {
			continue
		}
		records[ref] = rec
	}

	r.mu.Lock()
	r.inventory = records
	r.mu.Unlock()
	return records, nil
}

// noteUntracked logs and counts refs in the inventory that have no entity.
// Each ref is reported once.
func (r *Registry) noteUntracked(records map[string]xenapi.Record) {
	var fresh []string
	r.mu.Lock()
	for ref := range records {
		if _, tracked := r.byRef[ref]; tracked {
			continue
		}
		if _, seen := r.ignored[ref]; seen {
			continue
		}
		r.ignored[ref] = struct{}{}
		fresh = append(fresh, ref)
	}
	r.mu.Unlock()

	for _, ref := range fresh {
		r.opts.Metrics.IncIgnoredVMs()
		log.Debug().
			Str("ref", ref).
			Str("uuid", records[ref].UUID()).
			Str("vm", records[ref].NameLabel()).
			Msg("Ignoring VM that appeared after bootstrap")
	}
}

func (r *Registry) latestInventory() map[string]xenapi.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inventory
}

// ListControllable returns guest VMs and control domains, each sorted by name
// then UUID.
func (r *Registry) ListControllable() (vms, controlDomains []*VirtualMachine) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.vms), slices.Clone(r.controlDomains)
}

// All returns every entity: guest VMs first, then control domains.
func (r *Registry) All() []*VirtualMachine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*VirtualMachine, 0, len(r.vms)+len(r.controlDomains))
	all = append(all, r.vms...)
	return append(all, r.controlDomains...)
}

func (r *Registry) VM(ref string) (*VirtualMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vm, ok := r.byRef[ref]
	return vm, ok
}

func (r *Registry) VMByUUID(uuid string) (*VirtualMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vm, ok := r.byUUID[uuid]
	return vm, ok
}

// Pool returns the pool ref and a copy of its record.
func (r *Registry) Pool() (string, xenapi.Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.poolRef, r.pool.Clone()
}

func (r *Registry) Session() *xenapi.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// Synchronizer returns nil until Bootstrap succeeds.
func (r *Registry) Synchronizer() *Synchronizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synchronizer
}

func (r *Registry) Host() string {
	return r.client.Host()
}
