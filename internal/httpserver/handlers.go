package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/domain"
	"outreach/internal/report"
)

// Engine is the campaign surface the API drives.
type Engine interface {
	Create(ctx context.Context, req domain.CreateCampaignRequest) (*domain.Campaign, error)
	Get(id string) (*domain.Campaign, error)
	List() []*domain.Campaign
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, id string, unitIDs []string) (int, error)
	Progress(id string) (domain.Progress, error)
	Report(id string) (report.Report, error)
}

type API struct {
	Engine Engine
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns", a.handleList).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/progress", a.handleProgress).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/report", a.handleReport).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/start", a.control("start", a.Engine.Start)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/pause", a.control("pause", a.Engine.Pause)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/resume", a.control("resume", a.Engine.Resume)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/stop", a.control("stop", a.Engine.Stop)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/retry", a.handleRetry).Methods(http.MethodPost)
}

// CampaignSummary is the list view; the full ledger is only on GET by id.
type CampaignSummary struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Type        domain.CampaignType   `json:"type"`
	Status      domain.CampaignStatus `json:"status"`
	Stats       domain.CampaignStats  `json:"stats"`
	CreatedAt   time.Time             `json:"createdAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
}

type retryRequest struct {
	UnitIDs []string `json:"unitIds"`
}

type retryResponse struct {
	CampaignID string `json:"campaignId"`
	Retried    int    `json:"retried"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrInvalidJSON})
		return
	}
	c, err := a.Engine.Create(r.Context(), req)
	if err != nil {
		writeError(w, "create campaign", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	all := a.Engine.List()
	out := make([]CampaignSummary, 0, len(all))
	for _, c := range all {
		out = append(out, CampaignSummary{
			ID: c.ID, Name: c.Name, Type: c.Type, Status: c.Status, Stats: c.Stats,
			CreatedAt: c.CreatedAt, StartedAt: c.StartedAt, CompletedAt: c.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.Engine.Get(id)
	if err != nil {
		writeError(w, "get campaign", id, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := a.Engine.Progress(id)
	if err != nil {
		writeError(w, "get progress", id, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rep, err := a.Engine.Report(id)
	if err != nil {
		writeError(w, "get report", id, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// control wraps a lifecycle operation and answers with the resulting progress.
func (a *API) control(op string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := fn(r.Context(), id); err != nil {
			writeError(w, op+" campaign", id, err)
			return
		}
		p, err := a.Engine.Progress(id)
		if err != nil {
			writeError(w, "get progress", id, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req retryRequest
	// empty body retries every failed unit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrInvalidJSON})
		return
	}
	n, err := a.Engine.RetryFailed(r.Context(), id, req.UnitIDs)
	if err != nil {
		writeError(w, "retry campaign", id, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{CampaignID: id, Retried: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
