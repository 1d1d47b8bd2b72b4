// Package xapitest provides an in-memory XAPI pool master for tests.
package xapitest

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

const (
	DefaultUser     = "root"
	DefaultPassword = "secret"
	DefaultSession  = "OpaqueRef:session-1"
	DefaultPoolRef  = "OpaqueRef:pool-1"
)

// Failure describes an injected failure for one method. A non-zero Status
// answers with that HTTP status; otherwise Code is returned as an XAPI error.
type Failure struct {
	Status int
	Code   string
	Params []string
}

// Server is a fake pool master serving /jsonrpc and /rrd_updates.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	user       string
	password   string
	sessionRef string
	poolRef    string
	pool       map[string]any
	vms        map[string]map[string]any
	calls      map[string]int
	failures   map[string]Failure
	events     []map[string]any
	tokenSeq   int
	lastToken  string
	rrdBody    []byte
	lastRRD    url.Values
	lastParams map[string][]any
	onCall     func(method string)
}

// NewServer starts a TLS fake with one pool and no VMs.
func NewServer() *Server {
	s := &Server{
		user:       DefaultUser,
		password:   DefaultPassword,
		sessionRef: DefaultSession,
		poolRef:    DefaultPoolRef,
		pool:       map[string]any{"uuid": "pool-uuid", "name_label": "lab-pool", "master": "OpaqueRef:host-1"},
		vms:        make(map[string]map[string]any),
		calls:      make(map[string]int),
		failures:   make(map[string]Failure),
		lastParams: make(map[string][]any),
		rrdBody:    []byte(`{"meta":{"start":0,"step":5,"end":0,"rows":0,"columns":0,"legend":[]},"data":[]}`),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleRPC)
	mux.HandleFunc("/rrd_updates", s.handleRRD)
	s.Server = httptest.NewTLSServer(mux)
	return s
}

// VMRecord builds a minimal VM record.
func VMRecord(uuid, name, powerState string, controlDomain, template bool) map[string]any {
	return map[string]any{
		"uuid":              uuid,
		"name_label":        name,
		"power_state":       powerState,
		"is_control_domain": controlDomain,
		"is_a_template":     template,
		"is_a_snapshot":     false,
		"metrics":           "OpaqueRef:metrics-" + uuid,
	}
}

func (s *Server) SetVM(ref string, record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vms[ref] = maps.Clone(record)
}

func (s *Server) DeleteVM(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vms, ref)
}

func (s *Server) SetPowerState(ref, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.vms[ref]; ok {
		rec = maps.Clone(rec)
		rec["power_state"] = state
		s.vms[ref] = rec
	}
}

func (s *Server) PowerState(ref string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, _ := s.vms[ref]["power_state"].(string)
	return state
}

// SetEvents sets the events returned by every subsequent event.from.
func (s *Server) SetEvents(events []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
}

func (s *Server) SetRRD(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rrdBody = body
}

// Fail injects a failure for a method ("rrd_updates" for the metrics endpoint).
func (s *Server) Fail(method string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = f
}

func (s *Server) ClearFailure(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, method)
}

// OnCall registers a hook invoked (outside the lock) for every request.
func (s *Server) OnCall(fn func(method string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = fn
}

// Calls returns how many times a method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// LastParams returns the params of the most recent call of a method.
func (s *Server) LastParams(method string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams[method]
}

// LastEventToken returns the token passed to the most recent event.from.
func (s *Server) LastEventToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToken
}

// LastRRDQuery returns the query of the most recent rrd_updates request.
func (s *Server) LastRRDQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRRD
}

func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "https://")
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      any    `json:"id"`
}

func (s *Server) record(method string, params []any) (Failure, bool, func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	s.lastParams[method] = params
	f, failing := s.failures[method]
	return f, failing, s.onCall
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	failure, failing, hook := s.record(req.Method, req.Params)
	if hook != nil {
		hook(req.Method)
	}
	if failing {
		if failure.Status != 0 {
			http.Error(w, "injected failure", failure.Status)
			return
		}
		writeError(w, req.ID, failure.Code, failure.Params...)
		return
	}

	if req.Method == "session.login_with_password" {
		if len(req.Params) < 2 || req.Params[0] != s.user || req.Params[1] != s.password {
			writeError(w, req.ID, "SESSION_AUTHENTICATION_FAILED", fmt.Sprint(paramAt(req.Params, 0)), "Authentication failure")
			return
		}
		writeResult(w, req.ID, s.sessionRef)
		return
	}

	if len(req.Params) == 0 || req.Params[0] != s.sessionRef {
		writeError(w, req.ID, "SESSION_INVALID", fmt.Sprint(paramAt(req.Params, 0)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case "pool.get_all_records":
		writeResult(w, req.ID, map[string]any{s.poolRef: s.pool})
	case "VM.get_all_records":
		out := make(map[string]any, len(s.vms))
		for ref, rec := range s.vms {
			out[ref] = rec
		}
		writeResult(w, req.ID, out)
	case "VM.get_record":
		ref, _ := paramAt(req.Params, 1).(string)
		rec, ok := s.vms[ref]
		if !ok {
			writeError(w, req.ID, "HANDLE_INVALID", "VM", ref)
			return
		}
		writeResult(w, req.ID, rec)
	case "VM.start", "VM.clean_shutdown":
		ref, _ := paramAt(req.Params, 1).(string)
		rec, ok := s.vms[ref]
		if !ok {
			writeError(w, req.ID, "HANDLE_INVALID", "VM", ref)
			return
		}
		rec = maps.Clone(rec)
		if req.Method == "VM.start" {
			rec["power_state"] = "Running"
		} else {
			rec["power_state"] = "Halted"
		}
		s.vms[ref] = rec
		writeResult(w, req.ID, "")
	case "event.inject":
		s.tokenSeq++
		writeResult(w, req.ID, fmt.Sprintf("token-%d", s.tokenSeq))
	case "event.from":
		s.lastToken, _ = paramAt(req.Params, 2).(string)
		s.tokenSeq++
		events := s.events
		if events == nil {
			events = []map[string]any{}
		}
		writeResult(w, req.ID, map[string]any{
			"events":           events,
			"valid_ref_counts": map[string]any{"vm": len(s.vms)},
			"token":            fmt.Sprintf("token-%d", s.tokenSeq),
		})
	default:
		writeError(w, req.ID, "MESSAGE_METHOD_UNKNOWN", req.Method)
	}
}

func (s *Server) handleRRD(w http.ResponseWriter, r *http.Request) {
	failure, failing, hook := s.record("rrd_updates", nil)
	if hook != nil {
		hook("rrd_updates")
	}
	if failing {
		status := failure.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		http.Error(w, "injected failure", status)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRRD = r.URL.Query()
	if r.URL.Query().Get("session_id") != s.sessionRef {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.rrdBody)
}

func paramAt(params []any, i int) any {
	if i < len(params) {
		return params[i]
	}
	return nil
}

func writeResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result, "id": id})
}

func writeError(w http.ResponseWriter, id any, code string, params ...string) {
	data := make([]any, 0, len(params))
	for _, p := range params {
		data = append(data, p)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": 1, "message": code, "data": data},
		"id":      id,
	})
}
