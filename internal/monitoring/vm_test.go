package monitoring

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/internal/xapitest"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

func TestVirtualMachineAccessors(t *testing.T) {
	rec := xenapi.Record(xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	vm := newVirtualMachine(nil, refAlpha, rec)

	assert.Equal(t, refAlpha, vm.Ref())
	assert.Equal(t, "uuid-a", vm.UUID())
	assert.Equal(t, "alpha", vm.Name())
	assert.Equal(t, KindVM, vm.Kind())
	assert.True(t, vm.IsRunning())
	assert.Equal(t, "vm", vm.Kind().String())

	cd := newVirtualMachine(nil, refDom0, xapitest.VMRecord("uuid-dom0", "dom0", "Running", true, false))
	assert.Equal(t, KindControlDomain, cd.Kind())
	assert.Equal(t, "control_domain", cd.Kind().String())
}

func TestApplySnapshotReportsChange(t *testing.T) {
	rec := xenapi.Record(xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	vm := newVirtualMachine(nil, refAlpha, rec)

	assert.False(t, vm.ApplySnapshot(rec.Clone()))
	assert.False(t, vm.ApplySnapshot(nil))

	next := rec.Clone()
	next["power_state"] = "Suspended"
	next["name_label"] = "renamed"
	assert.True(t, vm.ApplySnapshot(next))
	assert.Equal(t, xenapi.PowerStateSuspended, vm.PowerState())
	assert.Equal(t, "alpha", vm.Name(), "display name is captured at construction")

	// Mutating a returned snapshot or the applied record does not leak in.
	snap := vm.Snapshot()
	snap["power_state"] = "Running"
	next["power_state"] = "Paused"
	assert.Equal(t, xenapi.PowerStateSuspended, vm.PowerState())
}

func TestSnapshotReplacementIsAtomic(t *testing.T) {
	running := xenapi.Record{"uuid": "uuid-a", "name_label": "a-running", "power_state": "Running"}
	halted := xenapi.Record{"uuid": "uuid-a", "name_label": "a-halted", "power_state": "Halted"}
	vm := newVirtualMachine(nil, refAlpha, running)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	torn := make(chan xenapi.Record, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				vm.ApplySnapshot(halted)
			} else {
				vm.ApplySnapshot(running)
			}
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := vm.Snapshot()
				consistent := (snap.NameLabel() == "a-running" && snap.PowerState() == xenapi.PowerStateRunning) ||
					(snap.NameLabel() == "a-halted" && snap.PowerState() == xenapi.PowerStateHalted)
				if !consistent {
					select {
					case torn <- snap:
					default:
					}
					return
				}
			}
		}()
	}

	wg.Wait()
	select {
	case snap := <-torn:
		t.Fatalf("observed a torn snapshot: %v", snap)
	default:
	}
}

func TestSubscribersKeyedByID(t *testing.T) {
	vm := newVirtualMachine(nil, refAlpha, xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))

	first, second, other := 0, 0, 0
	vm.RegisterSubscriber("ui", func() { first++ })
	vm.RegisterSubscriber("ui", func() { second++ })
	vm.RegisterSubscriber("log", func() { other++ })
	vm.RegisterSubscriber("nil", nil)
	assert.Equal(t, 2, vm.SubscriberCount())

	assert.Equal(t, 2, vm.NotifySubscribers())
	assert.Equal(t, 0, first, "re-registering an id replaces the callback")
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, other)

	vm.RemoveSubscriber("missing")
	vm.RemoveSubscriber("log")
	assert.Equal(t, 1, vm.NotifySubscribers())
	assert.Equal(t, 1, other)
}

func TestSubscriberMayUnsubscribeItself(t *testing.T) {
	vm := newVirtualMachine(nil, refAlpha, xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	calls := 0
	vm.RegisterSubscriber("once", func() {
		calls++
		vm.RemoveSubscriber("once")
	})

	vm.NotifySubscribers()
	vm.NotifySubscribers()
	assert.Equal(t, 1, calls)
}

func TestNotifySubscribersRecoversPanics(t *testing.T) {
	vm := newVirtualMachine(nil, refAlpha, xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	ok := 0
	vm.RegisterSubscriber("bad", func() { panic("subscriber bug") })
	vm.RegisterSubscriber("good", func() { ok++ })

	assert.NotPanics(t, func() { vm.NotifySubscribers() })
	assert.Equal(t, 1, ok)
}

func TestVirtualMachineLifecycleCalls(t *testing.T) {
	srv := newTestPool(t)
	reg, _ := stoppedRegistry(t, srv, testOptions())
	ctx := context.Background()

	beta, _ := reg.VM(refBeta)
	require.NoError(t, beta.Start(ctx))
	assert.Equal(t, "Running", srv.PowerState(refBeta))
	assert.Equal(t, xenapi.PowerStateHalted, beta.PowerState(), "state is observed by later polls")

	require.NoError(t, beta.Refresh(ctx))
	assert.True(t, beta.IsRunning())

	require.NoError(t, beta.Stop(ctx))
	assert.Equal(t, "Halted", srv.PowerState(refBeta))

	srv.Fail("VM.clean_shutdown", xapitest.Failure{Code: "VM_BAD_POWER_STATE", Params: []string{refBeta, "running", "halted"}})
	err := beta.Stop(ctx)
	require.Error(t, err)
	assert.True(t, internalerrors.IsRemoteError(err))
}

func TestVirtualMachineWithoutSession(t *testing.T) {
	vm := newVirtualMachine(nil, refAlpha, xapitest.VMRecord("uuid-a", "alpha", "Running", false, false))
	ctx := context.Background()

	for _, err := range []error{vm.Start(ctx), vm.Stop(ctx), vm.Refresh(ctx)} {
		require.Error(t, err)
		assert.Equal(t, internalerrors.ErrorTypeValidation, internalerrors.ErrorTypeOf(err))
	}
}
