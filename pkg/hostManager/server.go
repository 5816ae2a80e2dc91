package hostManager

import (
	"context"
	"net/http"
	"strconv"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/hostManager/hostManagerConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/httpServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Server struct {
	*httpServer.Server
	host   Host
	logger *zap.Logger
}

// NewServer routes the host API onto host. ctx bounds the rate limiter's background cleanup.
func NewServer(
	ctx context.Context,
	host Host,
	cfg *hostManagerConfig.ServerConfig,
	m *metrics.HostMetrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		Server: httpServer.NewServer(&httpServer.ServerConfig{Port: cfg.Port, Gatherer: gatherer}, logger),
		host:   host,
		logger: logger,
	}
	s.Use(
		httpServer.Recovery(logger),
		httpServer.RequestLogger(logger),
		httpServer.RequestCounter(m.HTTPRequest),
		httpServer.RateLimiter(ctx, cfg.RateLimit, logger),
	)

	r := s.Router()
	r.HandleFunc("/tunnels", s.handle(s.configureTunnel)).Methods(http.MethodPost)
	r.HandleFunc("/tunnels", s.handle(s.listTunnels)).Methods(http.MethodGet)
	r.HandleFunc("/tunnels/{vxlanId}", s.handle(s.teardownTunnel)).Methods(http.MethodDelete)

	r.HandleFunc("/workloads", s.handle(s.deploy)).Methods(http.MethodPost)
	r.HandleFunc("/workloads/{name}", s.handle(s.deleteWorkload)).Methods(http.MethodDelete)
	r.HandleFunc("/workloads/{name}/endpoints", s.handle(s.listEndpoints)).Methods(http.MethodGet)
	r.HandleFunc("/workloads/{name}/replicas", s.handle(s.scale)).Methods(http.MethodPut)
	r.HandleFunc("/workloads/{name}/usage", s.handle(s.resourceUsage)).Methods(http.MethodGet)

	r.HandleFunc("/containers/{id}/networks/{network}", s.handle(s.attach)).Methods(http.MethodPost)
	r.HandleFunc("/containers/{id}/exec", s.handle(s.exec)).Methods(http.MethodPost)

	r.HandleFunc("/cleanup", s.handle(s.cleanup)).Methods(http.MethodPost)
	return s
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.logger.Sugar().Debugw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			httpServer.WriteError(w, err)
		}
	}
}

func (s *Server) configureTunnel(w http.ResponseWriter, r *http.Request) error {
	var spec overlay.TunnelSpec
	if err := httpServer.DecodeJSON(r, &spec); err != nil {
		return err
	}
	if errs := spec.Validate(); len(errs) > 0 {
		return httpServer.BadRequest(errs.ToAggregate().Error())
	}
	tunnel, err := s.host.ConfigureTunnel(r.Context(), &spec)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusCreated, tunnel)
	return nil
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) error {
	httpServer.WriteJSON(w, http.StatusOK, s.host.ListTunnels())
	return nil
}

func (s *Server) teardownTunnel(w http.ResponseWriter, r *http.Request) error {
	vxlanId, err := strconv.ParseUint(mux.Vars(r)["vxlanId"], 10, 32)
	if err != nil || vxlanId == 0 || vxlanId > overlay.MaxVxlanId {
		return httpServer.BadRequest("vxlanId must be between 1 and 16777215")
	}
	if err := s.host.TeardownTunnel(r.Context(), uint32(vxlanId), r.URL.Query().Get("network")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) error {
	var req workloadOrchestrator.DeployRequest
	if err := httpServer.DecodeJSON(r, &req); err != nil {
		return err
	}
	if errs := req.Validate(); len(errs) > 0 {
		return httpServer.BadRequest(errs.ToAggregate().Error())
	}
	workload, err := s.host.Deploy(r.Context(), &req)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusCreated, workload)
	return nil
}

func (s *Server) deleteWorkload(w http.ResponseWriter, r *http.Request) error {
	if err := s.host.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) error {
	endpoints, err := s.host.ListEndpoints(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, endpoints)
	return nil
}

func (s *Server) scale(w http.ResponseWriter, r *http.Request) error {
	var req ScaleRequest
	if err := httpServer.DecodeJSON(r, &req); err != nil {
		return err
	}
	if req.Replicas < 0 {
		return httpServer.BadRequest("replicas must not be negative")
	}
	workload, err := s.host.Scale(r.Context(), mux.Vars(r)["name"], req.Replicas)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, workload)
	return nil
}

func (s *Server) resourceUsage(w http.ResponseWriter, r *http.Request) error {
	usage, err := s.host.ResourceUsage(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, usage)
	return nil
}

func (s *Server) attach(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	if err := s.host.AttachToNetwork(r.Context(), vars["id"], vars["network"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request) error {
	var req ExecRequest
	if err := httpServer.DecodeJSON(r, &req); err != nil {
		return err
	}
	if req.Command == "" {
		return httpServer.BadRequest("command is required")
	}
	result, err := s.host.Exec(r.Context(), mux.Vars(r)["id"], req.Command)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, result)
	return nil
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) error {
	var req CleanupRequest
	if err := httpServer.DecodeJSON(r, &req); err != nil {
		return err
	}
	if req.Prefix == "" {
		return httpServer.BadRequest("prefix is required")
	}
	result, err := s.host.Cleanup(r.Context(), req.Prefix)
	if err != nil {
		if result == nil {
			return err
		}
		s.logger.Sugar().Warnw("Cleanup finished with failures", "prefix", req.Prefix, "error", err)
		httpServer.WriteJSON(w, http.StatusMultiStatus, result)
		return nil
	}
	httpServer.WriteJSON(w, http.StatusOK, result)
	return nil
}
