package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
	"github.com/rcourtman/pulse-xen/internal/monitoring"
	"github.com/rcourtman/pulse-xen/internal/websocket"
	"github.com/rcourtman/pulse-xen/pkg/xenapi"
)

const (
	liveFeedSubscriber = "websocket"
	vmActionTimeout    = 2 * time.Minute
	vmRefreshTimeout   = 30 * time.Second
)

// Inventory is the part of the registry the HTTP layer reads.
type Inventory interface {
	ListControllable() (vms, controlDomains []*monitoring.VirtualMachine)
	VMByUUID(uuid string) (*monitoring.VirtualMachine, bool)
	Pool() (string, xenapi.Record)
	Synchronizer() *monitoring.Synchronizer
	Host() string
}

// Router serves the REST API, the live feed and /metrics.
type Router struct {
	mux       *http.ServeMux
	inventory Inventory
	wsHub     *websocket.Hub
	version   string
}

// NewRouter builds the handler tree. When wsHub is non-nil every tracked
// entity gets a subscriber that pushes its view to WebSocket clients.
func NewRouter(inventory Inventory, wsHub *websocket.Hub, version string) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		inventory: inventory,
		wsHub:     wsHub,
		version:   version,
	}
	r.setupRoutes()
	if wsHub != nil {
		wsHub.SetStateGetter(func() any { return r.inventoryView() })
		r.subscribeLiveFeed()
	}
	return ErrorHandler(r.mux)
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/version", r.handleVersion)
	r.mux.HandleFunc("GET /api/status", r.handleStatus)
	r.mux.HandleFunc("GET /api/vms", r.handleListVMs)
	r.mux.HandleFunc("GET /api/vms/{uuid}", r.handleGetVM)
	r.mux.HandleFunc("POST /api/vms/{uuid}/start", r.handleVMAction("start"))
	r.mux.HandleFunc("POST /api/vms/{uuid}/stop", r.handleVMAction("stop"))
	r.mux.Handle("GET /metrics", promhttp.Handler())
	if r.wsHub != nil {
		r.mux.HandleFunc("GET /ws", r.wsHub.HandleWebSocket)
	}
}

func (r *Router) subscribeLiveFeed() {
	vms, controlDomains := r.inventory.ListControllable()
	for _, vm := range append(vms, controlDomains...) {
		vm.RegisterSubscriber(liveFeedSubscriber, func() {
			r.wsHub.BroadcastVMUpdate(NewVMView(vm, r.latestRRD()))
		})
	}
	log.Debug().Int("entities", len(vms)+len(controlDomains)).Msg("Live feed subscribed to entities")
}

func (r *Router) latestRRD() *xenapi.RRDUpdates {
	if s := r.inventory.Synchronizer(); s != nil {
		return s.LatestRRD()
	}
	return nil
}

func (r *Router) inventoryView() InventoryView {
	vms, controlDomains := r.inventory.ListControllable()
	return newInventoryView(vms, controlDomains, r.latestRRD())
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := http.StatusOK
	state := "healthy"
	if s := r.inventory.Synchronizer(); s == nil {
		status, state = http.StatusServiceUnavailable, "starting"
	} else {
		for _, loop := range s.States() {
			if loop == monitoring.LoopTerminated {
				status, state = http.StatusServiceUnavailable, "degraded"
				break
			}
		}
	}
	writeJSON(w, status, map[string]string{"status": state})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.version})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	vms, controlDomains := r.inventory.ListControllable()
	_, pool := r.inventory.Pool()

	view := StatusView{
		Host:           r.inventory.Host(),
		Pool:           pool.NameLabel(),
		Loops:          map[monitoring.LoopKind]monitoring.LoopState{},
		VMs:            len(vms),
		ControlDomains: len(controlDomains),
		Version:        r.version,
	}
	if s := r.inventory.Synchronizer(); s != nil {
		view.Loops = s.States()
		view.EventCursor = s.EventToken() != ""
	}
	if r.wsHub != nil {
		view.WebSocketClients = r.wsHub.GetClientCount()
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleListVMs(w http.ResponseWriter, req *http.Request) {
	patterns := ParsePatterns(req.URL.Query()["name"]...)
	if len(patterns) == 0 {
		writeJSON(w, http.StatusOK, r.inventoryView())
		return
	}
	vms, controlDomains := r.inventory.ListControllable()
	writeJSON(w, http.StatusOK, newInventoryView(
		FilterByName(vms, patterns),
		FilterByName(controlDomains, patterns),
		r.latestRRD(),
	))
}

func (r *Router) handleGetVM(w http.ResponseWriter, req *http.Request) {
	vm, ok := r.inventory.VMByUUID(req.PathValue("uuid"))
	if !ok {
		writeErrorResponse(w, req, http.StatusNotFound, "not_found", "VM not found")
		return
	}

	// ?refresh=true re-reads the record from the pool before answering.
	if refresh, _ := strconv.ParseBool(req.URL.Query().Get("refresh")); refresh {
		ctx, cancel := context.WithTimeout(req.Context(), vmRefreshTimeout)
		defer cancel()
		if err := vm.Refresh(ctx); err != nil {
			status, code := statusForError(err)
			log.Warn().Err(err).Str("uuid", vm.UUID()).Msg("VM refresh failed")
			writeErrorResponse(w, req, status, code, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, NewVMView(vm, r.latestRRD()))
}

func (r *Router) handleVMAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vm, ok := r.inventory.VMByUUID(req.PathValue("uuid"))
		if !ok {
			writeErrorResponse(w, req, http.StatusNotFound, "not_found", "VM not found")
			return
		}
		if vm.Kind() == monitoring.KindControlDomain {
			writeErrorResponse(w, req, http.StatusForbidden, "control_domain", "Control domains cannot be started or stopped")
			return
		}

		ctx, cancel := context.WithTimeout(req.Context(), vmActionTimeout)
		defer cancel()

		var err error
		switch action {
		case "start":
			err = vm.Start(ctx)
		default:
			err = vm.Stop(ctx)
		}
		if err != nil {
			status, code := statusForError(err)
			log.Warn().Err(err).Str("uuid", vm.UUID()).Str("action", action).Msg("VM action failed")
			writeErrorResponse(w, req, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"uuid":   vm.UUID(),
			"action": action,
		})
	}
}

// statusForError maps the XAPI error taxonomy onto HTTP status codes.
func statusForError(err error) (int, string) {
	var xenErr *internalerrors.XenError
	if !errors.As(err, &xenErr) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch xenErr.Type {
	case internalerrors.ErrorTypeValidation:
		return http.StatusBadRequest, "invalid_request"
	case internalerrors.ErrorTypeAuth:
		return http.StatusBadGateway, "upstream_auth"
	case internalerrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, "upstream_timeout"
	case internalerrors.ErrorTypeTransport:
		return http.StatusBadGateway, "upstream_unreachable"
	case internalerrors.ErrorTypeRemote:
		if xenErr.Code != "" {
			return http.StatusConflict, xenErr.Code
		}
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
