// Package api exposes the simulation engine over HTTP. Routing uses
// the standard mux with method-qualified patterns; every route under
// /api requires a bearer token and scopes reads and writes to the
// token's user.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"panelsim/internal/credit"
	"panelsim/internal/store"
	"panelsim/internal/types"
)

// Engine is the slice of the orchestrator the router needs.
type Engine interface {
	RunCycle(ctx context.Context, simulationID, moderatorMessage string) ([]types.SimulationMessage, error)
	RunAll(ctx context.Context, simulationID string) error
	Summarize(ctx context.Context, simulationID string) (*types.Summary, error)
}

// Embedder is the slice of the gateway the retrieval routes need.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() (string, int)
}

// Router wires HTTP routes onto the engine, store and meter.
type Router struct {
	store    *store.Store
	engine   Engine
	meter    *credit.Meter
	embedder Embedder
	auth     *Auth
	log      *zap.Logger
}

// NewRouter builds a router. embedder may be nil to disable the
// retrieval routes.
func NewRouter(st *store.Store, engine Engine, meter *credit.Meter, embedder Embedder, auth *Auth, log *zap.Logger) *Router {
	return &Router{store: st, engine: engine, meter: meter, embedder: embedder, auth: auth, log: log}
}

// Register mounts all routes on mux.
func (rt *Router) Register(mux *http.ServeMux) {
	authed := func(h http.HandlerFunc) http.Handler { return rt.auth.RequireAuth(h) }

	mux.Handle("POST /api/simulations", authed(rt.handleCreateSimulation))
	mux.Handle("GET /api/simulations", authed(rt.handleListSimulations))
	mux.Handle("GET /api/simulations/{id}", authed(rt.handleGetSimulation))
	mux.Handle("GET /api/simulations/{id}/messages", authed(rt.handleListMessages))
	mux.Handle("POST /api/simulations/{id}/turns", authed(rt.handleTurn))
	mux.Handle("POST /api/simulations/{id}/run", authed(rt.handleRun))
	mux.Handle("POST /api/simulations/{id}/summary", authed(rt.handleSummary))

	mux.Handle("GET /api/credits", authed(rt.handleBalance))
	mux.Handle("POST /api/credits/estimate", authed(rt.handleEstimate))
	mux.Handle("POST /api/credits/deduct", authed(rt.handleDeduct))

	mux.Handle("GET /api/rag/documents", authed(rt.handleListDocuments))
	if rt.embedder != nil {
		mux.Handle("POST /api/rag/query-embedding", authed(rt.handleQueryEmbedding))
		mux.Handle("POST /api/rag/search", authed(rt.handleSearch))
		mux.Handle("POST /api/rag/documents", authed(rt.handleIngestDocument))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ownedSimulation loads a simulation and rejects callers that do not
// own it. Foreign simulations read as not found rather than forbidden.
func (rt *Router) ownedSimulation(r *http.Request) (*types.Simulation, error) {
	sim, err := rt.store.GetSimulation(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if sim.UserID != UserID(r.Context()) {
		return nil, types.ErrNotFound
	}
	return sim, nil
}

func (rt *Router) handleCreateSimulation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		types.Simulation
		Personas []types.Persona `json:"personas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &types.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	req.Simulation.UserID = UserID(r.Context())
	sim, err := rt.store.CreateSimulation(r.Context(), &req.Simulation, req.Personas)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sim)
}

func (rt *Router) handleListSimulations(w http.ResponseWriter, r *http.Request) {
	sims, err := rt.store.ListSimulations(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if sims == nil {
		sims = []types.Simulation{}
	}
	writeJSON(w, http.StatusOK, sims)
}

func (rt *Router) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := rt.ownedSimulation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Turn numbers are contiguous from 1, so the last turn is the count.
	count, err := rt.store.LastTurn(r.Context(), sim.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*types.Simulation
		MessageCount int `json:"message_count"`
	}{sim, count})
}

func (rt *Router) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sim, err := rt.ownedSimulation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := rt.store.ListMessages(r.Context(), sim.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []types.SimulationMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (rt *Router) handleTurn(w http.ResponseWriter, r *http.Request) {
	sim, err := rt.ownedSimulation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ModeratorMessage string `json:"moderator_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &types.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	msgs, err := rt.engine.RunCycle(r.Context(), sim.ID, req.ModeratorMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msgs)
}

func (rt *Router) handleRun(w http.ResponseWriter, r *http.Request) {
	sim, err := rt.ownedSimulation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rt.engine.RunAll(r.Context(), sim.ID); err != nil {
		writeError(w, err)
		return
	}
	sim, err = rt.store.GetSimulation(r.Context(), sim.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (rt *Router) handleSummary(w http.ResponseWriter, r *http.Request) {
	sim, err := rt.ownedSimulation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := rt.engine.Summarize(r.Context(), sim.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (rt *Router) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := rt.meter.Balance(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (rt *Router) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model                string `json:"model"`
		InputText            string `json:"input_text"`
		ExpectedOutputTokens int    `json:"expected_output_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &types.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	est, err := rt.meter.EstimateText(req.Model, req.InputText, req.ExpectedOutputTokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (rt *Router) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model        string `json:"model"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &types.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	remaining, err := rt.meter.Deduct(r.Context(), UserID(r.Context()), req.Model, req.InputTokens, req.OutputTokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"remaining_credits": remaining})
}

func (rt *Router) handleQueryEmbedding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, &types.ValidationError{Field: "query", Reason: "required"})
		return
	}
	vec, err := rt.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	model, dims := rt.embedder.EmbeddingModel()
	writeJSON(w, http.StatusOK, map[string]any{
		"embedding":  vec,
		"dimensions": dims,
		"model":      model,
	})
}

func (rt *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, &types.ValidationError{Field: "query", Reason: "required"})
		return
	}
	vec, err := rt.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, err := rt.store.SearchChunks(r.Context(), vec, req.TopK)
	if err != nil {
		writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []types.RetrievedChunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (rt *Router) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string   `json:"source"`
		Chunks []string `json:"chunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Chunks) == 0 {
		writeError(w, &types.ValidationError{Field: "chunks", Reason: "required"})
		return
	}
	vecs, err := rt.embedder.EmbedBatch(r.Context(), req.Chunks)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(vecs) != len(req.Chunks) {
		writeError(w, &types.UpstreamError{Provider: "embedding", Reason: "batch size mismatch"})
		return
	}
	chunks := make([]store.Chunk, len(req.Chunks))
	for i, text := range req.Chunks {
		chunks[i] = store.Chunk{Index: i, Text: text, Embedding: vecs[i]}
	}
	docID, err := rt.store.InsertDocument(r.Context(), UserID(r.Context()), req.Source, chunks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document_id": docID, "chunks": len(chunks)})
}

func (rt *Router) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := rt.store.ListDocuments(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Provider
// error bodies never pass through; UpstreamError carries only the
// sanitized reason.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *types.ValidationError
		aerr *types.AuthError
		perr *types.ParseError
		serr *types.UnknownSpeakerError
		uerr *types.UpstreamError
	)
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.As(err, &verr):
		status, message = http.StatusBadRequest, verr.Error()
	case errors.As(err, &aerr):
		status, message = http.StatusUnauthorized, aerr.Error()
	case errors.Is(err, types.ErrInsufficientCredits):
		status, message = http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, types.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, types.ErrSimulationCompleted):
		status, message = http.StatusConflict, "simulation is completed"
	case errors.Is(err, types.ErrConcurrencyConflict):
		status, message = http.StatusConflict, "concurrent turn cycle in progress"
	case errors.As(err, &serr):
		status, message = http.StatusUnprocessableEntity, serr.Error()
	case errors.As(err, &perr):
		status, message = http.StatusUnprocessableEntity, perr.Error()
	case errors.As(err, &uerr):
		status, message = http.StatusBadGateway, uerr.Error()
	}

	writeJSON(w, status, map[string]string{"error": message})
}
