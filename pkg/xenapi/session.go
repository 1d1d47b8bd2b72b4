package xenapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	xerrors "github.com/rcourtman/pulse-xen/internal/errors"
)

// Session is an authenticated XAPI session. The handle is opaque and never
// refreshed; once the remote invalidates it every call fails with an auth error.
type Session struct {
	client *Client
	ref    string
	user   string
}

// NewSession wraps an existing session handle.
func NewSession(client *Client, ref string) *Session {
	return &Session{client: client, ref: ref}
}

// Ref returns the opaque session handle.
func (s *Session) Ref() string { return s.ref }

// User returns the user the session was opened for, if known.
func (s *Session) User() string { return s.user }

// Client returns the underlying transport.
func (s *Session) Client() *Client { return s.client }

// Call issues an RPC with the session handle injected as the first parameter.
func (s *Session) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	args := make([]any, 0, len(params)+1)
	args = append(args, s.ref)
	args = append(args, params...)
	return s.client.Call(ctx, method, args...)
}

func (s *Session) callInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := s.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.WrapRemoteError(method, s.client.host, fmt.Errorf("failed to decode result: %w", err), 0)
	}
	return nil
}

// PoolRecords returns pool.get_all_records keyed by pool ref.
func (s *Session) PoolRecords(ctx context.Context) (map[string]Record, error) {
	var out map[string]Record
	if err := s.callInto(ctx, &out, "pool.get_all_records"); err != nil {
		return nil, err
	}
	return out, nil
}

// VMRecords returns VM.get_all_records keyed by VM ref. Templates and
// snapshots are included; callers filter.
func (s *Session) VMRecords(ctx context.Context) (map[string]Record, error) {
	var out map[string]Record
	if err := s.callInto(ctx, &out, "VM.get_all_records"); err != nil {
		return nil, err
	}
	return out, nil
}

// VMRecord returns VM.get_record for one VM.
func (s *Session) VMRecord(ctx context.Context, ref string) (Record, error) {
	var out Record
	if err := s.callInto(ctx, &out, "VM.get_record", ref); err != nil {
		return nil, err
	}
	return out, nil
}

// StartVM calls VM.start(ref, start_paused=false, force=false).
func (s *Session) StartVM(ctx context.Context, ref string) error {
	return s.callInto(ctx, nil, "VM.start", ref, false, false)
}

// CleanShutdownVM calls VM.clean_shutdown(ref).
func (s *Session) CleanShutdownVM(ctx context.Context, ref string) error {
	return s.callInto(ctx, nil, "VM.clean_shutdown", ref)
}

// InjectEvent calls event.inject and returns the resulting event token.
func (s *Session) InjectEvent(ctx context.Context, class, ref string) (string, error) {
	var token string
	if err := s.callInto(ctx, &token, "event.inject", class, ref); err != nil {
		return "", err
	}
	return token, nil
}

// EventsFrom long-polls event.from for up to timeout seconds.
func (s *Session) EventsFrom(ctx context.Context, classes []string, token string, timeout float64) (*EventBatch, error) {
	var batch EventBatch
	if err := s.callInto(ctx, &batch, "event.from", classes, token, timeout); err != nil {
		return nil, err
	}
	return &batch, nil
}

// RRDUpdates fetches rrd_updates as JSON averaged at interval seconds,
// starting at start.
func (s *Session) RRDUpdates(ctx context.Context, start time.Time, interval int, includeHost bool) ([]byte, error) {
	query := url.Values{}
	query.Set("cf", "AVERAGE")
	query.Set("host", strconv.FormatBool(includeHost))
	query.Set("interval", strconv.Itoa(interval))
	query.Set("json", "true")
	query.Set("start", strconv.FormatInt(start.Unix(), 10))
	query.Set("session_id", s.ref)
	return s.client.RawFetch(ctx, http.MethodGet, "rrd_updates", query)
}
