// Package controlplane implements C10: a thin HTTP/WS surface over
// C5/C7/C8/C9 carrying no business logic of its own.
package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/capability"
	"github.com/sawpanic/marketfeed/internal/fanout"
	"github.com/sawpanic/marketfeed/internal/health"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/model"
)

// SymbolLister is the subset of *symbols.Manager needed here.
type SymbolLister interface {
	SymbolsFor(market model.Market) []model.SymbolMeta
}

// Server wires the HTTP router over the application's components.
type Server struct {
	policy  *capability.Policy
	manager SymbolLister
	broker  *fanout.Broker
	super   *health.Supervisor

	router *mux.Router
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds the control plane router; Handler() is passed to http.Server.
// promReg may be nil, in which case /metrics is not registered.
func New(policy *capability.Policy, manager SymbolLister, broker *fanout.Broker, super *health.Supervisor, promReg *prometheus.Registry) *Server {
	s := &Server{policy: policy, manager: manager, broker: broker, super: super}
	s.router = mux.NewRouter()

	s.router.HandleFunc("/user/set_bitget_api", s.handleSetCredentials).Methods(http.MethodPost)
	s.router.HandleFunc("/user/reset_bitget_api", s.handleResetCredentials).Methods(http.MethodDelete)
	s.router.HandleFunc("/user/test_connection", s.handleTestConnection).Methods(http.MethodPost)
	s.router.HandleFunc("/user/limits", s.handleLimits).Methods(http.MethodGet)
	s.router.HandleFunc("/user/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/symbols/all", s.handleSymbolsAll).Methods(http.MethodGet)
	s.router.HandleFunc("/symbols/top", s.handleSymbolsTop).Methods(http.MethodGet)
	s.router.HandleFunc("/symbols/{symbol}/info", s.handleSymbolInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/{symbol}", s.handleWS)
	if promReg != nil {
		s.router.Handle("/metrics", metrics.Handler(promReg))
	}

	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

type credentialsRequest struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"`
}

// validateLengths enforces the minimum credential-field lengths the
// control plane rejects before ever calling out to C9/C4: at least 10
// characters for the key/secret, at least 3 for the passphrase.
func (req credentialsRequest) validateLengths() error {
	if len(req.APIKey) < 10 {
		return fmt.Errorf("api_key must be at least 10 characters")
	}
	if len(req.SecretKey) < 10 {
		return fmt.Errorf("secret_key must be at least 10 characters")
	}
	if len(req.Passphrase) < 3 {
		return fmt.Errorf("passphrase must be at least 3 characters")
	}
	return nil
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validateLengths(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, err := s.policy.UpdateCredentials(r.Context(), capability.Credentials{
		APIKey: req.APIKey, SecretKey: req.SecretKey, Passphrase: req.Passphrase,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleResetCredentials(w http.ResponseWriter, r *http.Request) {
	profile, err := s.policy.Reset(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds := capability.Credentials{APIKey: req.APIKey, SecretKey: req.SecretKey, Passphrase: req.Passphrase}
	writeJSON(w, http.StatusOK, map[string]bool{"privileged": creds.IsPrivileged()})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Profile())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.super.Snapshot()
	fanoutMetrics := s.broker.Metrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"health": snapshot,
		"fanout": fanoutMetrics,
		"tier":   s.policy.Profile().Tier,
	})
}

func (s *Server) handleSymbolsAll(w http.ResponseWriter, r *http.Request) {
	profile := s.policy.Profile()
	out := make(map[model.Market][]model.SymbolMeta, len(profile.Markets))
	for _, m := range profile.Markets {
		out[m] = s.manager.SymbolsFor(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSymbolsTop(w http.ResponseWriter, r *http.Request) {
	market := model.Market(r.URL.Query().Get("market"))
	if market == "" {
		market = model.MarketSpot
	}
	writeJSON(w, http.StatusOK, s.manager.SymbolsFor(market))
}

func (s *Server) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	for _, market := range s.policy.Profile().Markets {
		for _, meta := range s.manager.SymbolsFor(market) {
			if meta.Symbol == symbol {
				writeJSON(w, http.StatusOK, meta)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "symbol not found in any active market")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("controlplane: websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	s.broker.Connect(symbol, clientID, conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
