package xenapi

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
)

// PowerState mirrors XAPI's vm_power_state enum.
type PowerState string

const (
	PowerStateHalted    PowerState = "Halted"
	PowerStatePaused    PowerState = "Paused"
	PowerStateRunning   PowerState = "Running"
	PowerStateSuspended PowerState = "Suspended"
	PowerStateUnknown   PowerState = ""
)

// Event classes subscribed to by the event loop.
var DefaultEventClasses = []string{"pool", "host", "vm", "sr", "vm_metrics", "host_metrics"}

// Record is a raw XAPI object record as returned by get_record / get_all_records.
// Records are treated as immutable once handed out; use Clone before mutating.
type Record map[string]any

// String returns the field as a string, or "" if absent or not a string.
func (r Record) String(key string) string {
	if r == nil {
		return ""
	}
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the field as a bool; missing or non-bool values are false.
func (r Record) Bool(key string) bool {
	if r == nil {
		return false
	}
	v, _ := r[key].(bool)
	return v
}

func (r Record) UUID() string      { return r.String("uuid") }
func (r Record) NameLabel() string { return r.String("name_label") }

func (r Record) PowerState() PowerState {
	return PowerState(r.String("power_state"))
}

func (r Record) IsTemplate() bool      { return r.Bool("is_a_template") }
func (r Record) IsControlDomain() bool { return r.Bool("is_control_domain") }

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Equal reports whether two records hold the same values.
func (r Record) Equal(other Record) bool {
	return reflect.DeepEqual(r, other)
}

// Event is one entry of an event.from batch.
// ID is numeric but some XAPI versions send it quoted.
type Event struct {
	ID        json.Number `json:"id"`
	Timestamp string      `json:"timestamp"`
	Class     string      `json:"class"`
	Operation string      `json:"operation"`
	Ref       string      `json:"ref"`
	Snapshot  Record      `json:"snapshot,omitempty"`
}

// EventBatch is the result of event.from.
type EventBatch struct {
	Events         []Event          `json:"events"`
	ValidRefCounts map[string]int64 `json:"valid_ref_counts"`
	Token          string           `json:"token"`
}

// RefsForClasses returns the set of object refs touched by events of the
// given classes.
func (b *EventBatch) RefsForClasses(classes ...string) map[string]struct{} {
	refs := make(map[string]struct{})
	if b == nil {
		return refs
	}
	want := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		want[c] = struct{}{}
	}
	for _, ev := range b.Events {
		if _, ok := want[ev.Class]; ok && ev.Ref != "" {
			refs[ev.Ref] = struct{}{}
		}
	}
	return refs
}
