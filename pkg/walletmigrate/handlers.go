package walletmigrate

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/gate"
	"github.com/surrealdb/walletmigrate/pkg/migrator"
	"github.com/surrealdb/walletmigrate/pkg/models"
	"github.com/surrealdb/walletmigrate/pkg/walletdata"
)

// MigrationResponse is returned by POST /api/admin/wallets/{wallet}/migration.
type MigrationResponse struct {
	Wallet  string `json:"wallet"`
	Outcome string `json:"outcome"`
}

// RecordRequest is the body of PUT /api/wallets/{wallet}/records/{key}.
type RecordRequest struct {
	Kind  string            `json:"kind"`
	Value []byte            `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// RecordResponse is one wallet record together with its on-disk format.
type RecordResponse struct {
	walletdata.Record
	Format string `json:"format"`
}

// handleHealth reports liveness and the local view of migration state.
//
// HTTP Method: GET
// Endpoint: /health
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, completed := a.cache.Len()
	response := map[string]any{
		"status":    "healthy",
		"instance":  a.config.Instance,
		"engine":    a.config.Engine,
		"pending":   pending,
		"completed": completed,
		"pollers":   a.pollers.Len(),
		"time":      time.Now().Unix(),
	}
	if err := a.worker.Halted(); err != nil {
		response["status"] = "halted"
		response["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, response)
}

// handleBeginMigration triggers a wallet's migration.
//
// HTTP Method: POST
// Endpoint: /api/admin/wallets/{wallet}/migration
//
// Response:
//   - 202 Accepted: outcome "started" or "resumed"; conversion runs in the background
//   - 200 OK: outcome "already_finished"
//   - 409 Conflict: outcome "already_in_progress"
//   - 503 Service Unavailable: the migration record store could not be reached
func (a *App) handleBeginMigration(w http.ResponseWriter, r *http.Request) {
	tenant, ok := walletVar(w, r)
	if !ok {
		return
	}

	outcome, err := a.worker.BeginTenantMigration(r.Context(), tenant)
	switch {
	case errors.Is(err, constants.ErrStoreUnavailable), errors.Is(err, constants.ErrWorkerClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusAccepted
	switch outcome {
	case migrator.AlreadyFinished:
		status = http.StatusOK
	case migrator.AlreadyInProgress:
		status = http.StatusConflict
	}
	respondJSON(w, status, MigrationResponse{Wallet: tenant.String(), Outcome: outcome.String()})
}

// handleMigrationStatus returns the durable record and this process's view.
//
// HTTP Method: GET
// Endpoint: /api/admin/wallets/{wallet}/migration
func (a *App) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := walletVar(w, r)
	if !ok {
		return
	}
	status, err := a.walletStatus(r.Context(), tenant)
	if errors.Is(err, constants.ErrStoreUnavailable) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (a *App) handleListRecords(w http.ResponseWriter, r *http.Request) {
	o, _ := gate.ObservedFromContext(r.Context())
	records, err := a.wallets.List(r.Context(), o.Tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []walletdata.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (a *App) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	o, _ := gate.ObservedFromContext(r.Context())
	rec, format, err := a.wallets.Get(r.Context(), o.Tenant, mux.Vars(r)["key"])
	if errors.Is(err, constants.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, RecordResponse{Record: rec, Format: format.String()})
}

// handlePutRecord writes a record in the format matching the wallet's
// migration state as observed by the gate.
func (a *App) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	o, _ := gate.ObservedFromContext(r.Context())

	var req RecordRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	format := walletdata.FormatFor(o.State)
	rec, err := a.wallets.Put(r.Context(), o.Tenant, walletdata.Record{
		Key:   mux.Vars(r)["key"],
		Kind:  req.Kind,
		Value: req.Value,
		Tags:  req.Tags,
	}, format)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, RecordResponse{Record: rec, Format: format.String()})
}

func (a *App) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	o, _ := gate.ObservedFromContext(r.Context())
	if err := a.wallets.Delete(r.Context(), o.Tenant, mux.Vars(r)["key"]); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func walletVar(w http.ResponseWriter, r *http.Request) (models.TenantID, bool) {
	tenant, err := models.ParseTenantID(mux.Vars(r)["wallet"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return tenant, true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
