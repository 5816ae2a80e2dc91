// Package agentServer exposes a federation agent's operator controls over HTTP.
package agentServer

import (
	"context"
	"errors"
	"net/http"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/agentConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/httpServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Server struct {
	*httpServer.Server
	agent    FederationAgent
	notifier Notifier
	logger   *zap.Logger
}

// NewServer routes the agent API. ctx bounds the rate limiter's background cleanup.
func NewServer(
	ctx context.Context,
	a FederationAgent,
	notifier Notifier,
	cfg *agentConfig.ServerConfig,
	m *metrics.AgentMetrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		Server:   httpServer.NewServer(&httpServer.ServerConfig{Port: cfg.Port, Gatherer: gatherer}, logger),
		agent:    a,
		notifier: notifier,
		logger:   logger,
	}
	s.Use(
		httpServer.Recovery(logger),
		httpServer.RequestLogger(logger),
		httpServer.RequestCounter(m.HTTPRequest),
		httpServer.RateLimiter(ctx, cfg.RateLimit, logger),
	)

	r := s.Router()
	r.HandleFunc("/operator", s.handle(s.registerOperator)).Methods(http.MethodPost)
	r.HandleFunc("/operator", s.handle(s.removeOperator)).Methods(http.MethodDelete)
	r.HandleFunc("/operator", s.handle(s.operatorStatus)).Methods(http.MethodGet)

	r.HandleFunc("/consumer/services", s.handle(s.consume)).Methods(http.MethodPost)
	r.HandleFunc("/provider/start", s.handle(s.startProvider)).Methods(http.MethodPost)
	r.HandleFunc("/provider/stop", s.handle(s.stopProvider)).Methods(http.MethodPost)

	r.HandleFunc("/services", s.handle(s.listServices)).Methods(http.MethodGet)
	r.HandleFunc("/services/{id}", s.handle(s.getService)).Methods(http.MethodGet)
	r.HandleFunc("/services/{id}", s.handle(s.terminateService)).Methods(http.MethodDelete)

	r.HandleFunc("/subscriptions", s.handle(s.subscribe)).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions", s.handle(s.listSubscriptions)).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{id}", s.handle(s.unsubscribe)).Methods(http.MethodDelete)
	return s
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.logger.Sugar().Debugw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			httpServer.WriteError(w, localError(err))
		}
	}
}

// localError gives agent and notifier sentinels a status and code of their own
func localError(err error) error {
	switch {
	case errors.Is(err, agent.ErrRoleDisabled):
		return &httpServer.RequestError{Status: http.StatusForbidden, Code: CodeRoleDisabled, Message: err.Error()}
	case errors.Is(err, agent.ErrServiceNotTracked):
		return &httpServer.RequestError{Status: http.StatusNotFound, Code: CodeServiceNotTracked, Message: err.Error()}
	case errors.Is(err, eventNotifier.ErrSubscriptionNotFound):
		return &httpServer.RequestError{Status: http.StatusNotFound, Code: CodeSubscriptionNotFound, Message: err.Error()}
	case errors.Is(err, eventNotifier.ErrInvalidSubscription):
		return httpServer.BadRequest(err.Error())
	}
	return err
}

func (s *Server) registerOperator(w http.ResponseWriter, r *http.Request) error {
	var req RegisterOperatorRequest
	if r.ContentLength != 0 {
		if err := httpServer.DecodeJSON(r, &req); err != nil {
			return err
		}
	}
	receipt, err := s.agent.RegisterOperator(r.Context(), req.Name)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusCreated, newTransactionResponse(receipt))
	return nil
}

func (s *Server) removeOperator(w http.ResponseWriter, r *http.Request) error {
	receipt, err := s.agent.RemoveOperator(r.Context())
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, newTransactionResponse(receipt))
	return nil
}

func (s *Server) operatorStatus(w http.ResponseWriter, r *http.Request) error {
	status, err := s.agent.GetOperatorStatus(r.Context())
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, status)
	return nil
}

func (s *Server) consume(w http.ResponseWriter, r *http.Request) error {
	var req agent.ConsumeRequest
	if err := httpServer.DecodeJSON(r, &req); err != nil {
		return err
	}
	if req.Replicas == 0 {
		req.Replicas = 1
	}
	requirements := &federation.Requirements{Image: req.Image, Replicas: req.Replicas}
	if err := requirements.Validate(); err != nil {
		return httpServer.BadRequest(err.Error())
	}
	serviceId, err := s.agent.StartConsumer(context.WithoutCancel(r.Context()), &req)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusAccepted, &ConsumeResponse{ServiceId: serviceId})
	return nil
}

func (s *Server) startProvider(w http.ResponseWriter, r *http.Request) error {
	if err := s.agent.StartProvider(context.WithoutCancel(r.Context())); err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, &ProviderStatus{Providing: s.agent.IsProviding()})
	return nil
}

func (s *Server) stopProvider(w http.ResponseWriter, r *http.Request) error {
	s.agent.StopProvider()
	httpServer.WriteJSON(w, http.StatusOK, &ProviderStatus{Providing: s.agent.IsProviding()})
	return nil
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) error {
	records, err := s.agent.ListServices(r.Context())
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, records)
	return nil
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) error {
	rec, err := s.agent.GetService(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusOK, rec)
	return nil
}

func (s *Server) terminateService(w http.ResponseWriter, r *http.Request) error {
	if err := s.agent.TerminateService(r.Context(), mux.Vars(r)["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) error {
	var req eventNotifier.SubscriptionRequest
	if err := httpServer.DecodeJSON(r, &req); err != nil {
		return err
	}
	sub, err := s.notifier.Subscribe(r.Context(), &req)
	if err != nil {
		return err
	}
	httpServer.WriteJSON(w, http.StatusCreated, sub)
	return nil
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) error {
	httpServer.WriteJSON(w, http.StatusOK, s.notifier.List())
	return nil
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) error {
	if err := s.notifier.Unsubscribe(mux.Vars(r)["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
