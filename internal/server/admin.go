package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/app"
)

// --- Keys ---

type createKeyRequest struct {
	Name        string `json:"name"`
	TokenBudget *int64 `json:"token_budget"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(`"name" field is required`))
		return
	}
	created, err := s.deps.Keys.Create(r.Context(), req.Name, req.TokenBudget)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if keys == nil {
		keys = []*gateway.UserKeyInfo{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	created, err := s.deps.Keys.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

type updateKeyRequest struct {
	TokenBudget *int64 `json:"token_budget"`
	ResetUsage  bool   `json:"reset_usage"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	info, err := s.deps.Keys.UpdateBudget(r.Context(), chi.URLParam(r, "id"), req.TokenBudget, req.ResetUsage)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Keys.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Providers ---

type createProviderRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	kind := gateway.ParseProviderKind(req.Kind)
	if req.Name == "" || kind == "" || req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name, kind, and api_key are required; kind must be one of openai, openrouter, dashscope"))
		return
	}
	info, err := s.deps.Catalog.CreateProvider(r.Context(), createProviderOpts(req, kind))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Catalog.ListProviders(r.Context())
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if providers == nil {
		providers = []*gateway.ProviderInfo{}
	}
	writeJSON(w, http.StatusOK, providers)
}

type updateProviderRequest struct {
	Name     *string `json:"name"`
	Kind     *string `json:"kind"`
	BaseURL  *string `json:"base_url"`
	APIKey   *string `json:"api_key"`
	IsActive *bool   `json:"is_active"`
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req updateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	opts := updateProviderOpts(req)
	if req.Kind != nil {
		kind := gateway.ParseProviderKind(*req.Kind)
		if kind == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("kind must be one of openai, openrouter, dashscope"))
			return
		}
		opts.Kind = &kind
	}
	info, err := s.deps.Catalog.UpdateProvider(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Models ---

type createModelRequest struct {
	Name                   string   `json:"name"`
	ProviderID             string   `json:"provider_id"`
	ProviderModelName      *string  `json:"provider_model_name"`
	InputTokenCoefficient  *float64 `json:"input_token_coefficient"`
	OutputTokenCoefficient *float64 `json:"output_token_coefficient"`
}

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	if req.Name == "" || req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and provider_id are required"))
		return
	}
	opts := createModelOpts(req)
	info, err := s.deps.Catalog.CreateModel(r.Context(), opts)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Catalog.ListModels(r.Context())
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if models == nil {
		models = []*gateway.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, models)
}

type updateModelRequest struct {
	Name                   *string  `json:"name"`
	ProviderID             *string  `json:"provider_id"`
	ProviderModelName      *string  `json:"provider_model_name"`
	IsActive               *bool    `json:"is_active"`
	InputTokenCoefficient  *float64 `json:"input_token_coefficient"`
	OutputTokenCoefficient *float64 `json:"output_token_coefficient"`
}

func (s *server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var req updateModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	info, err := s.deps.Catalog.UpdateModel(r.Context(), chi.URLParam(r, "id"), updateModelOpts(req))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.DeleteModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Logs ---

type logPage struct {
	Data    []*gateway.RequestLogInfo `json:"data"`
	Total   int64                     `json:"total"`
	Page    int64                     `json:"page"`
	PerPage int64                     `json:"per_page"`
}

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gateway.LogFilter{
		Page:    queryInt(q.Get("page"), 1),
		PerPage: queryInt(q.Get("per_page"), 50),
		KeyID:   q.Get("key_id"),
		Model:   q.Get("model"),
	}
	logs, total, err := s.deps.Logs.ListLogs(r.Context(), filter)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if logs == nil {
		logs = []*gateway.RequestLogInfo{}
	}
	writeJSON(w, http.StatusOK, logPage{
		Data:    logs,
		Total:   total,
		Page:    max64(filter.Page, 1),
		PerPage: clamp64(filter.PerPage, 1, 200),
	})
}

func queryInt(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func max64(v, lo int64) int64 {
	if v < lo {
		return lo
	}
	return v
}

func clamp64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Request-to-opts conversions kept out of the handlers to keep the decode /
// validate / call shape uniform.

func createProviderOpts(req createProviderRequest, kind gateway.ProviderKind) app.CreateProviderOpts {
	return app.CreateProviderOpts{
		Name:    req.Name,
		Kind:    kind,
		BaseURL: req.BaseURL,
		APIKey:  req.APIKey,
	}
}

func updateProviderOpts(req updateProviderRequest) app.UpdateProviderOpts {
	return app.UpdateProviderOpts{
		Name:     req.Name,
		BaseURL:  req.BaseURL,
		APIKey:   req.APIKey,
		IsActive: req.IsActive,
	}
}

func createModelOpts(req createModelRequest) app.CreateModelOpts {
	opts := app.CreateModelOpts{
		Name:              req.Name,
		ProviderID:        req.ProviderID,
		ProviderModelName: req.ProviderModelName,
	}
	if req.InputTokenCoefficient != nil {
		opts.InputTokenCoefficient = *req.InputTokenCoefficient
	}
	if req.OutputTokenCoefficient != nil {
		opts.OutputTokenCoefficient = *req.OutputTokenCoefficient
	}
	return opts
}

func updateModelOpts(req updateModelRequest) app.UpdateModelOpts {
	return app.UpdateModelOpts{
		Name:                   req.Name,
		ProviderID:             req.ProviderID,
		ProviderModelName:      req.ProviderModelName,
		IsActive:               req.IsActive,
		InputTokenCoefficient:  req.InputTokenCoefficient,
		OutputTokenCoefficient: req.OutputTokenCoefficient,
	}
}
