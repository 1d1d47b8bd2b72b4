package xenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	xerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultRPCTimeout = 60 * time.Second
	DefaultRawTimeout = 10 * time.Second

	jsonRPCVersion    = "2.0"
	defaultOriginator = "pulse-xen"
	apiVersion        = "1.0"
	maxErrorBodyBytes = 4096
)

// Client issues XAPI JSON-RPC calls and plain HTTP requests against a single
// pool master. It holds no session state.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	config     ClientConfig
	newID      func() string
}

// ClientConfig configures a Client. Zero timeouts fall back to the defaults.
type ClientConfig struct {
	Host        string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration // login and other short calls
	RPCTimeout  time.Duration // regular RPC calls, including event.from long-polls
	RawTimeout  time.Duration // non-RPC HTTP endpoints such as rrd_updates
	Originator  string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      string `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// description flattens a JSON-RPC error into XAPI's ErrorDescription form:
// the error code followed by its parameters.
func (e *rpcError) description() []string {
	desc := []string{e.Message}
	if len(e.Data) == 0 {
		return desc
	}
	var items []any
	if err := json.Unmarshal(e.Data, &items); err != nil {
		var single any
		if err := json.Unmarshal(e.Data, &single); err == nil && single != nil {
			desc = append(desc, fmt.Sprint(single))
		}
		return desc
	}
	for _, item := range items {
		desc = append(desc, fmt.Sprint(item))
	}
	return desc
}

func NewClient(cfg ClientConfig) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, xerrors.NewXenError(xerrors.ErrorTypeValidation, "new_client", "", xerrors.ErrInvalidInput)
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if strings.HasPrefix(host, "http://") {
		log.Warn().Str("host", host).Msg("Using HTTP for XAPI connection - session credentials will be sent in clear text")
	}

	parsed, err := url.Parse(host)
	if err != nil || parsed.Host == "" {
		return nil, xerrors.NewXenError(xerrors.ErrorTypeValidation, "new_client", cfg.Host, fmt.Errorf("invalid host %q", cfg.Host))
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.RawTimeout <= 0 {
		cfg.RawTimeout = DefaultRawTimeout
	}
	if cfg.Originator == "" {
		cfg.Originator = defaultOriginator
	}

	// Per-call deadlines come from the context; the client timeout is only
	// the outer bound.
	outer := max(cfg.Timeout, cfg.RPCTimeout, cfg.RawTimeout)

	return &Client{
		baseURL:    strings.TrimSuffix(parsed.Scheme+"://"+parsed.Host, "/"),
		host:       parsed.Host,
		httpClient: tlsutil.CreateHTTPClientWithTimeout(cfg.VerifySSL, cfg.Fingerprint, outer),
		config:     cfg,
		newID:      uuid.NewString,
	}, nil
}

// Host returns the host[:port] the client talks to.
func (c *Client) Host() string {
	return c.host
}

// Login authenticates with user/password and returns the session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	const op = "session.login_with_password"

	raw, err := c.call(ctx, c.config.Timeout, op, username, password, apiVersion, c.config.Originator)
	if err != nil {
		var xenErr *xerrors.XenError
		if errors.As(err, &xenErr) && xenErr.Type == xerrors.ErrorTypeRemote {
			xenErr.Type = xerrors.ErrorTypeAuth
			xenErr.Retryable = false
		}
		return nil, err
	}

	var ref string
	if err := json.Unmarshal(raw, &ref); err != nil || ref == "" {
		return nil, xerrors.WrapAuthError(op, c.host, fmt.Errorf("login returned no session handle"))
	}

	log.Info().Str("host", c.host).Str("user", username).Msg("XAPI session established")
	return &Session{client: c, ref: ref, user: username}, nil
}

// Call issues a JSON-RPC call. Session-scoped calls go through Session.Call,
// which injects the handle as the first parameter.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.call(ctx, c.config.RPCTimeout, method, params...)
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := c.newID()
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, xerrors.NewXenError(xerrors.ErrorTypeValidation, method, c.host, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.NewXenError(xerrors.ErrorTypeValidation, method, c.host, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(method, resp)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.WrapRemoteError(method, c.host, fmt.Errorf("failed to decode response: %w", err), resp.StatusCode)
	}

	if decoded.Error != nil {
		return nil, xerrors.NewXenError(xerrors.ErrorTypeRemote, method, c.host, nil).
			WithDescription(decoded.Error.description())
	}

	log.Trace().Str("method", method).Str("id", id).Int("bytes", len(decoded.Result)).Msg("XAPI call completed")
	return decoded.Result, nil
}

// RawFetch performs a plain HTTP request outside the RPC protocol and returns
// the body. Non-2xx responses are remote errors.
func (c *Client) RawFetch(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	op := strings.TrimPrefix(path, "/")
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RawTimeout)
	defer cancel()

	target := c.baseURL + "/" + op
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, xerrors.NewXenError(xerrors.ErrorTypeValidation, op, c.host, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(op, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	return data, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.NewXenError(xerrors.ErrorTypeTimeout, op, c.host, err)
	}
	return xerrors.WrapTransportError(op, c.host, err)
}

func (c *Client) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return xerrors.NewXenError(xerrors.ErrorTypeAuth, op, c.host, apiErr).WithStatusCode(resp.StatusCode)
	}
	return xerrors.WrapRemoteError(op, c.host, apiErr, resp.StatusCode)
}
