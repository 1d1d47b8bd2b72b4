package xenapi

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RRDUpdates is the parsed form of an rrd_updates?json=true response.
type RRDUpdates struct {
	Meta RRDMeta  `json:"meta"`
	Data []RRDRow `json:"data"`

	columns []rrdColumn
}

type RRDMeta struct {
	Start   int64    `json:"start"`
	Step    int64    `json:"step"`
	End     int64    `json:"end"`
	Rows    int      `json:"rows"`
	Columns int      `json:"columns"`
	Legend  []string `json:"legend"`
}

type RRDRow struct {
	Time   int64      `json:"t"`
	Values []rrdValue `json:"values"`
}

type rrdColumn struct {
	cf     string
	class  string
	uuid   string
	metric string
}

// rrdValue accepts numbers as well as the "NaN"/"Infinity" strings some
// XAPI versions emit.
type rrdValue float64

func (v *rrdValue) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch strings.ToLower(s) {
	case "nan", "null", "":
		*v = rrdValue(math.NaN())
		return nil
	case "infinity", "inf":
		*v = rrdValue(math.Inf(1))
		return nil
	case "-infinity", "-inf":
		*v = rrdValue(math.Inf(-1))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid rrd value %q: %w", s, err)
	}
	*v = rrdValue(f)
	return nil
}

// ParseRRDUpdates decodes a raw rrd_updates payload.
func ParseRRDUpdates(raw []byte) (*RRDUpdates, error) {
	var u RRDUpdates
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode rrd_updates: %w", err)
	}
	u.columns = make([]rrdColumn, len(u.Meta.Legend))
	for i, entry := range u.Meta.Legend {
		// AVERAGE:vm:<uuid>:<metric>; metric names may themselves contain ':'.
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			continue
		}
		u.columns[i] = rrdColumn{cf: parts[0], class: parts[1], uuid: parts[2], metric: parts[3]}
	}
	return &u, nil
}

// UUIDs returns the set of object UUIDs of the given class ("vm" or "host")
// present in the legend.
func (u *RRDUpdates) UUIDs(class string) map[string]struct{} {
	out := make(map[string]struct{})
	if u == nil {
		return out
	}
	for _, c := range u.columns {
		if c.class == class && c.uuid != "" {
			out[c.uuid] = struct{}{}
		}
	}
	return out
}

// Latest returns the newest sample of every metric for one object. NaN and
// infinite samples are skipped.
func (u *RRDUpdates) Latest(class, objectUUID string) map[string]float64 {
	out := make(map[string]float64)
	if u == nil || len(u.Data) == 0 {
		return out
	}

	newest := u.Data[0]
	for _, row := range u.Data[1:] {
		if row.Time > newest.Time {
			newest = row
		}
	}

	for i, c := range u.columns {
		if c.class != class || c.uuid != objectUUID || i >= len(newest.Values) {
			continue
		}
		v := float64(newest.Values[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[c.metric] = v
	}
	return out
}
