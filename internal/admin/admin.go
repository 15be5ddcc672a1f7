// Package admin serves the daemon's operational HTTP endpoints: health,
// prometheus metrics and read-only delivery views.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/rollup"
	"github.com/matheus3301/courier/internal/status"
)

// Store is the read side the admin views need.
type Store interface {
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	MessageCount(ctx context.Context) (int64, error)
	CountRecordsByState(ctx context.Context) (map[delivery.State]int64, error)
}

// Rollups serves message rollup statuses.
type Rollups interface {
	Status(ctx context.Context, messageID string) (rollup.Status, error)
}

type handler struct {
	machine *status.Machine
	store   Store
	rollups Rollups
	logger  *zap.Logger
}

// NewHandler builds the admin router.
func NewHandler(machine *status.Machine, store Store, rollups Rollups, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{machine: machine, store: store, rollups: rollups, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}/status", h.messageStatus).Methods(http.MethodGet)
	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !h.machine.Serving() {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{
		"state": h.machine.Current(),
		"since": h.machine.Since().UTC(),
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.MessageCount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	byState, err := h.store.CountRecordsByState(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	records := make(map[string]int64, len(byState))
	for s, n := range byState {
		records[string(s)] = n
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"records":  records,
	})
}

func (h *handler) messageStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.rollups.Status(r.Context(), msg.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"status":          st,
	})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, chat.ErrNotFound) {
		code = http.StatusNotFound
	} else {
		h.logger.Error("admin request failed", zap.Error(err))
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write admin response", zap.Error(err))
	}
}

// Server runs the admin handler on a TCP address.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer binds addr. An empty addr disables the admin server.
func NewServer(addr string, h http.Handler, logger *zap.Logger) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv:      &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		listener: lis,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("admin server listening", zap.String("addr", s.Addr()))
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
