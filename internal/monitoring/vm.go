package monitoring

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

// Kind partitions entities into guest VMs and control domains.
type Kind int

const (
	KindVM Kind = iota
	KindControlDomain
)

func (k Kind) String() string {
	if k == KindControlDomain {
		return "control_domain"
	}
	return "vm"
}

// Subscriber is invoked with no arguments whenever an entity may have
// changed. Subscribers can run concurrently from different loops.
type Subscriber func()

// VirtualMachine is a live view of one VM or control domain. Its record
// snapshot is replaced wholesale by the synchronizer.
type VirtualMachine struct {
	ref     string
	uuid    string
	name    string
	kind    Kind
	session *xenapi.Session

	mu          sync.RWMutex
	snapshot    xenapi.Record
	subscribers map[string]Subscriber
}

func newVirtualMachine(session *xenapi.Session, ref string, rec xenapi.Record) *VirtualMachine {
	kind := KindVM
	if rec.IsControlDomain() {
		kind = KindControlDomain
	}
	return &VirtualMachine{
		ref:         ref,
		uuid:        rec.UUID(),
		name:        rec.NameLabel(),
		kind:        kind,
		session:     session,
		snapshot:    rec.Clone(),
		subscribers: make(map[string]Subscriber),
	}
}

func (vm *VirtualMachine) Ref() string  { return vm.ref }
func (vm *VirtualMachine) UUID() string { return vm.uuid }
func (vm *VirtualMachine) Kind() Kind   { return vm.kind }

// Name returns the name_label captured when the entity was created.
func (vm *VirtualMachine) Name() string { return vm.name }

// Snapshot returns a copy of the latest record.
func (vm *VirtualMachine) Snapshot() xenapi.Record {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.snapshot.Clone()
}

func (vm *VirtualMachine) PowerState() xenapi.PowerState {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.snapshot.PowerState()
}

func (vm *VirtualMachine) IsRunning() bool {
	return vm.PowerState() == xenapi.PowerStateRunning
}

// ApplySnapshot replaces the record and reports whether it differed.
func (vm *VirtualMachine) ApplySnapshot(rec xenapi.Record) bool {
	if rec == nil {
		return false
	}
	next := rec.Clone()
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.snapshot.Equal(next) {
		return false
	}
	vm.snapshot = next
	return true
}

// metricsRef returns the VM_metrics ref the record points at.
func (vm *VirtualMachine) metricsRef() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.snapshot.String("metrics")
}

// RegisterSubscriber adds fn under id, replacing any subscriber already
// registered with the same id.
func (vm *VirtualMachine) RegisterSubscriber(id string, fn Subscriber) {
	if fn == nil {
		return
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.subscribers[id] = fn
}

// RemoveSubscriber drops id. Unknown ids are ignored.
func (vm *VirtualMachine) RemoveSubscriber(id string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.subscribers, id)
}

func (vm *VirtualMachine) SubscriberCount() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return len(vm.subscribers)
}

// NotifySubscribers invokes every subscriber once, outside the lock, and
// returns how many were invoked.
func (vm *VirtualMachine) NotifySubscribers() int {
	vm.mu.RLock()
	subs := make([]Subscriber, 0, len(vm.subscribers))
	for _, fn := range vm.subscribers {
		subs = append(subs, fn)
	}
	vm.mu.RUnlock()

	for _, fn := range subs {
		vm.invoke(fn)
	}
	return len(subs)
}

func (vm *VirtualMachine) invoke(fn Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("vm", vm.name).
				Str("uuid", vm.uuid).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Subscriber panicked")
		}
	}()
	fn()
}

// Start asks the pool to boot the VM. The new power state is picked up by
// later polls.
func (vm *VirtualMachine) Start(ctx context.Context) error {
	if err := vm.checkControllable("start"); err != nil {
		return err
	}
	log.Info().Str("vm", vm.name).Str("uuid", vm.uuid).Msg("Starting VM")
	if err := vm.session.StartVM(ctx, vm.ref); err != nil {
		return fmt.Errorf("start vm %s: %w", vm.uuid, err)
	}
	return nil
}

// Stop asks the pool for a clean shutdown.
func (vm *VirtualMachine) Stop(ctx context.Context) error {
	if err := vm.checkControllable("stop"); err != nil {
		return err
	}
	log.Info().Str("vm", vm.name).Str("uuid", vm.uuid).Msg("Stopping VM")
	if err := vm.session.CleanShutdownVM(ctx, vm.ref); err != nil {
		return fmt.Errorf("stop vm %s: %w", vm.uuid, err)
	}
	return nil
}

// Refresh fetches the record directly and applies it.
func (vm *VirtualMachine) Refresh(ctx context.Context) error {
	if err := vm.checkControllable("refresh"); err != nil {
		return err
	}
	rec, err := vm.session.VMRecord(ctx, vm.ref)
	if err != nil {
		return err
	}
	vm.ApplySnapshot(rec)
	return nil
}

func (vm *VirtualMachine) checkControllable(op string) error {
	if vm.session == nil {
		return internalerrors.NewXenError(internalerrors.ErrorTypeValidation, op, "", fmt.Errorf("vm %s has no session", vm.uuid))
	}
	return nil
}
