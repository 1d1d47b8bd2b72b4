package api

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/rcourtman/pulse-xen/internal/monitoring"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

// VMView is the JSON shape of one tracked entity.
type VMView struct {
	UUID       string             `json:"uuid"`
	Name       string             `json:"name"`
	PowerState string             `json:"powerState"`
	Running    bool               `json:"running"`
	Kind       string             `json:"kind"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// NewVMView renders vm. rrd may be nil when no metrics have been parsed yet.
func NewVMView(vm *monitoring.VirtualMachine, rrd *xenapi.RRDUpdates) VMView {
	return VMView{
		UUID:       vm.UUID(),
		Name:       vm.Name(),
		PowerState: string(vm.PowerState()),
		Running:    vm.IsRunning(),
		Kind:       vm.Kind().String(),
		Metrics:    rrd.Latest("vm", vm.UUID()),
	}
}

// InventoryView groups the controllable entities the way ListControllable does.
type InventoryView struct {
	VMs            []VMView `json:"vms"`
	ControlDomains []VMView `json:"controlDomains"`
}

func newInventoryView(vms, controlDomains []*monitoring.VirtualMachine, rrd *xenapi.RRDUpdates) InventoryView {
	view := InventoryView{
		VMs:            make([]VMView, 0, len(vms)),
		ControlDomains: make([]VMView, 0, len(controlDomains)),
	}
	for _, vm := range vms {
		view.VMs = append(view.VMs, NewVMView(vm, rrd))
	}
	for _, cd := range controlDomains {
		view.ControlDomains = append(view.ControlDomains, NewVMView(cd, rrd))
	}
	return view
}

// FilterByName keeps the entities whose name matches any of the wildcard
// patterns. No patterns keeps everything.
func FilterByName(vms []*monitoring.VirtualMachine, patterns []string) []*monitoring.VirtualMachine {
	if len(patterns) == 0 {
		return vms
	}
	out := make([]*monitoring.VirtualMachine, 0, len(vms))
	for _, vm := range vms {
		for _, pattern := range patterns {
			if wildcard.Match(pattern, vm.Name()) {
				out = append(out, vm)
				break
			}
		}
	}
	return out
}

// ParsePatterns splits comma-separated name patterns and drops blanks.
func ParsePatterns(values ...string) []string {
	var patterns []string
	for _, value := range values {
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	return patterns
}

// StatusView reports synchronizer health.
type StatusView struct {
	Host             string                                       `json:"host"`
	Pool             string                                       `json:"pool"`
	Loops            map[monitoring.LoopKind]monitoring.LoopState `json:"loops"`
	EventCursor      bool                                         `json:"eventCursor"`
	VMs              int                                          `json:"vms"`
	ControlDomains   int                                          `json:"controlDomains"`
	WebSocketClients int                                          `json:"websocketClients"`
	Version          string                                       `json:"version,omitempty"`
}
