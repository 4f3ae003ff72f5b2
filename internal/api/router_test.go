package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"panelsim/internal/credit"
	"panelsim/internal/store"
	"panelsim/internal/types"
)

type fakeEngine struct {
	msgs    []types.SimulationMessage
	summary *types.Summary
	err     error
}

func (f *fakeEngine) RunCycle(ctx context.Context, simulationID, moderatorMessage string) ([]types.SimulationMessage, error) {
	return f.msgs, f.err
}

func (f *fakeEngine) RunAll(ctx context.Context, simulationID string) error {
	return f.err
}

func (f *fakeEngine) Summarize(ctx context.Context, simulationID string) (*types.Summary, error) {
	return f.summary, f.err
}

type fakeEmbedder struct {
	dims int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

func (f *fakeEmbedder) EmbeddingModel() (string, int) {
	return "text-embedding-ada-002", f.dims
}

type wordCounter struct{}

func (wordCounter) Count(model, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

type testAPI struct {
	store  *store.Store
	engine *fakeEngine
	auth   *Auth
	mux    *http.ServeMux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zap.NewNop()

	st, err := store.New(filepath.Join(t.TempDir(), "panelsim.db"), 4, log)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	meter := credit.NewMeter(credit.DefaultRates(), wordCounter{}, st, 400, log)
	engine := &fakeEngine{}
	auth := NewAuth("test-secret")

	mux := http.NewServeMux()
	NewRouter(st, engine, meter, &fakeEmbedder{dims: 4}, auth, log).Register(mux)
	return &testAPI{store: st, engine: engine, auth: auth, mux: mux}
}

func (a *testAPI) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := a.auth.SignToken(uid, time.Hour)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	rec := a.request(t, http.MethodGet, "/api/simulations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	rec = a.request(t, http.MethodGet, "/api/simulations", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}

	// Health stays open.
	rec = a.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a := newTestAPI(t)
	tok, err := a.auth.SignToken("u1", -time.Minute)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	rec := a.request(t, http.MethodGet, "/api/simulations", tok, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token status = %d, want 401", rec.Code)
	}
}

func TestCreateAndGetSimulation(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1")

	rec := a.request(t, http.MethodPost, "/api/simulations", tok, map[string]any{
		"study_title": "Snack habits",
		"personas":    []map[string]any{{"name": "Alice"}, {"name": "Bob"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sim types.Simulation
	if err := json.Unmarshal(rec.Body.Bytes(), &sim); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if sim.Status != types.StatusDraft || sim.NumTurns != 10 || sim.StudyType != types.StudyFocusGroup {
		t.Errorf("created simulation = %+v, want draft defaults", sim)
	}
	if sim.UserID != "u1" {
		t.Errorf("user_id = %q, want the token subject", sim.UserID)
	}

	rec = a.request(t, http.MethodGet, "/api/simulations/"+sim.ID, tok, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	var got struct {
		types.Simulation
		MessageCount int `json:"message_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding get response: %v", err)
	}
	if got.ID != sim.ID || got.MessageCount != 0 {
		t.Errorf("get = id %q count %d, want id %q count 0", got.ID, got.MessageCount, sim.ID)
	}

	// Another user's token reads it as missing.
	rec = a.request(t, http.MethodGet, "/api/simulations/"+sim.ID, a.token(t, "u2"), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", rec.Code)
	}
}

func TestCreateSimulationValidationStatus(t *testing.T) {
	a := newTestAPI(t)
	rec := a.request(t, http.MethodPost, "/api/simulations", a.token(t, "u1"), map[string]any{
		"study_title": "No personas",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTurnEndpointErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1")

	rec := a.request(t, http.MethodPost, "/api/simulations", tok, map[string]any{
		"study_title": "Snack habits",
		"personas":    []map[string]any{{"name": "Alice"}},
	})
	var sim types.Simulation
	_ = json.Unmarshal(rec.Body.Bytes(), &sim)

	cases := []struct {
		err  error
		want int
	}{
		{types.ErrInsufficientCredits, http.StatusPaymentRequired},
		{types.ErrSimulationCompleted, http.StatusConflict},
		{types.ErrConcurrencyConflict, http.StatusConflict},
		{&types.ParseError{Attempts: 2, Reason: "not json"}, http.StatusUnprocessableEntity},
		{&types.UnknownSpeakerError{Name: "Zed"}, http.StatusUnprocessableEntity},
		{&types.UpstreamError{Provider: "openai", Status: 500, Reason: "server error"}, http.StatusBadGateway},
		{nil, http.StatusCreated},
	}
	for _, c := range cases {
		a.engine.err = c.err
		rec := a.request(t, http.MethodPost, "/api/simulations/"+sim.ID+"/turns", tok,
			map[string]string{"moderator_message": "Question?"})
		if rec.Code != c.want {
			t.Errorf("error %v mapped to %d, want %d", c.err, rec.Code, c.want)
		}
	}
}

func TestCreditsEndpoints(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1")
	ctx := context.Background()

	if _, err := a.store.Grant(ctx, "u1", 10); err != nil {
		t.Fatalf("granting credits: %v", err)
	}

	rec := a.request(t, http.MethodGet, "/api/credits", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var bal struct {
		Balance float64 `json:"balance"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.Balance != 10 {
		t.Errorf("balance = %v, want 10", bal.Balance)
	}

	rec = a.request(t, http.MethodPost, "/api/credits/estimate", tok, map[string]any{
		"model":      "gpt-4o-mini",
		"input_text": "one two three four",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("estimate status = %d, body %s", rec.Code, rec.Body.String())
	}
	var est credit.Estimate
	_ = json.Unmarshal(rec.Body.Bytes(), &est)
	if est.InputTokens != 4 || est.Credits <= 0 {
		t.Errorf("estimate = %+v", est)
	}

	rec = a.request(t, http.MethodPost, "/api/credits/deduct", tok, map[string]any{
		"model":         "gpt-4o-mini",
		"input_tokens":  1000,
		"output_tokens": 1000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deduct status = %d", rec.Code)
	}

	// Draining the account surfaces 402.
	rec = a.request(t, http.MethodPost, "/api/credits/deduct", tok, map[string]any{
		"model":         "gpt-4.1",
		"input_tokens":  100000,
		"output_tokens": 0,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("overdraw deduct status = %d, want 402", rec.Code)
	}
}

func TestRagEndpoints(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "u1")

	rec := a.request(t, http.MethodPost, "/api/rag/query-embedding", tok, map[string]string{"query": "snacks"})
	if rec.Code != http.StatusOK {
		t.Fatalf("query-embedding status = %d", rec.Code)
	}
	var emb struct {
		Embedding  []float32 `json:"embedding"`
		Dimensions int       `json:"dimensions"`
		Model      string    `json:"model"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &emb)
	if len(emb.Embedding) != 4 || emb.Dimensions != 4 || emb.Model == "" {
		t.Errorf("embedding response = %+v", emb)
	}

	rec = a.request(t, http.MethodPost, "/api/rag/documents", tok, map[string]any{
		"source": "brief.pdf",
		"chunks": []string{"chunk one", "chunk two"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = a.request(t, http.MethodGet, "/api/rag/documents", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list documents status = %d", rec.Code)
	}
	var docs []store.Document
	_ = json.Unmarshal(rec.Body.Bytes(), &docs)
	if len(docs) != 1 || docs[0].Source != "brief.pdf" || docs[0].ChunkCount != 2 {
		t.Errorf("documents = %+v, want one brief.pdf with 2 chunks", docs)
	}

	// A user with no documents gets an empty array, not null.
	rec = a.request(t, http.MethodGet, "/api/rag/documents", a.token(t, "u2"), nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("empty list = %d %q, want 200 []", rec.Code, rec.Body.String())
	}

	rec = a.request(t, http.MethodPost, "/api/rag/search", tok, map[string]any{"query": "snacks", "top_k": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	var chunks []types.RetrievedChunk
	_ = json.Unmarshal(rec.Body.Bytes(), &chunks)
	if len(chunks) != 2 {
		t.Errorf("search returned %d chunks, want 2", len(chunks))
	}

	rec = a.request(t, http.MethodPost, "/api/rag/search", tok, map[string]any{"query": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank query status = %d, want 400", rec.Code)
	}
}
