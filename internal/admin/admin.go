package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/ledger"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// Consensus is the part of the engine the admin endpoints expose.
type Consensus interface {
	Status() consensus.Status
	Evidence() *consensus.EvidencePool
	RetryFinalize(ctx context.Context) error
}

// Mempool reports pool occupancy.
type Mempool interface {
	Size() int
	SizeBytes() int
}

// Ledger reports the finalized head.
type Ledger interface {
	Head() ledger.Head
}

// Server provides admin/debug endpoints.
// These are intended for operators, not exposed publicly.
type Server struct {
	httpServer *http.Server
	consensus  Consensus
	mempool    Mempool
	ledger     Ledger
	logger     *zap.Logger
	lis        net.Listener
}

// NewServer creates an admin debug server. Any of the subsystems may be nil;
// their endpoints then report themselves unavailable.
func NewServer(
	addr string,
	consensus Consensus,
	mempool Mempool,
	ledger Ledger,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		consensus: consensus,
		mempool:   mempool,
		ledger:    ledger,
		logger:    logger.Named("admin"),
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the admin routes. Unsupported methods get 405.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.handleHealth)
	router.GET("/admin/consensus", s.handleConsensusState)
	router.GET("/admin/evidence", s.handleEvidence)
	router.GET("/admin/evidence/:validator", s.handleEvidence)
	router.GET("/admin/mempool", s.handleMempoolStatus)
	router.GET("/admin/ledger", s.handleLedgerHead)
	router.POST("/admin/retry-finalize", s.handleRetryFinalize)
	return router
}

// Start begins serving admin endpoints.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.lis, err = net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("admin server starting", zap.String("addr", s.lis.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Name returns the service name.
func (s *Server) Name() string {
	return "admin"
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.httpServer.Addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleConsensusState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := map[string]any{
		"available": s.consensus != nil,
	}
	if s.consensus != nil {
		result["status"] = s.consensus.Status()
	}
	writeJSON(w, result)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result := map[string]any{
		"available": s.consensus != nil,
	}
	if s.consensus != nil {
		evidence := s.consensus.Evidence().List()
		if id := ps.ByName("validator"); id != "" {
			evidence = s.consensus.Evidence().ForValidator(types.ValidatorID(id))
		}
		result["count"] = len(evidence)
		result["evidence"] = evidence
	}
	writeJSON(w, result)
}

func (s *Server) handleMempoolStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := map[string]any{
		"available": s.mempool != nil,
	}
	if s.mempool != nil {
		result["size"] = s.mempool.Size()
		result["bytes"] = s.mempool.SizeBytes()
	}
	writeJSON(w, result)
}

func (s *Server) handleLedgerHead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := map[string]any{
		"available": s.ledger != nil,
	}
	if s.ledger != nil {
		result["head"] = s.ledger.Head()
	}
	writeJSON(w, result)
}

// handleRetryFinalize re-attempts a failed ledger append. It is a no-op
// unless the engine is stuck committing.
func (s *Server) handleRetryFinalize(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.consensus == nil {
		http.Error(w, "consensus not available", http.StatusServiceUnavailable)
		return
	}

	if err := s.consensus.RetryFinalize(r.Context()); err != nil {
		s.logger.Warn("retry finalize failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"status": s.consensus.Status()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}
