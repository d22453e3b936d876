package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"

	"recurbill/internal/billing"
	"recurbill/internal/clock"
	"recurbill/internal/errors"
	"recurbill/internal/scheduler"
	"recurbill/internal/storage"
	"recurbill/internal/worker"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string   `json:"error"`
	Hints []string `json:"hints,omitempty"`
}

// occurrenceResponse carries an occurrence whose state change succeeded,
// plus the invoice failure that followed it, if any.
type occurrenceResponse struct {
	Occurrence   *scheduler.Occurrence `json:"occurrence"`
	InvoiceError string                `json:"invoice_error,omitempty"`
}

type completeRequest struct {
	SessionID string `json:"session_id"`
}

type statsResponse struct {
	*storage.Stats
	Pool           worker.PoolStats `json:"pool"`
	RefreshRunning bool             `json:"refresh_running"`
}

// statusFor maps an error to the HTTP status its classification implies. A
// collaborator failure is reported as such whatever the collaborator said.
func statusFor(err error) int {
	switch {
	case errors.IsCollaborator(err):
		return http.StatusBadGateway
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsStateConflict(err):
		return http.StatusConflict
	case errors.IsPersistence(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.Logger.Warnw("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Hints: errors.GetAllHints(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode request body"), errors.ErrValidation)
	}
	return nil
}

// dateParam parses the named query parameter as YYYY-MM-DD, defaulting to
// today when it is absent.
func (a *Application) dateParam(r *http.Request, name string) (civil.Date, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return clock.Today(a.clock), nil
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return civil.Date{}, errors.NewValidationf("%s must be a YYYY-MM-DD date, got %q", name, v)
	}
	return d, nil
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Storage.Ping(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Application) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Storage.GetStats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:          stats,
		Pool:           a.Scheduler.PoolStats(),
		RefreshRunning: a.Scheduler.RefreshInFlight(),
	})
}

func (a *Application) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("recurbill-%s.db", a.clock.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(a.Config.Backup.Dir, name)
	if err := a.Storage.Backup(r.Context(), path); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

//
// Clients
//

func (a *Application) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.Billing.ListClients(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if clients == nil {
		clients = []*billing.Client{}
	}
	writeJSON(w, http.StatusOK, clients)
}

func (a *Application) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var in billing.ClientInput
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	c, err := a.Billing.CreateClient(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *Application) handleGetClient(w http.ResponseWriter, r *http.Request) {
	c, err := a.Billing.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

//
// Recurring jobs
//

func (a *Application) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := scheduler.JobFilter{ClientID: r.URL.Query().Get("client_id")}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			a.writeError(w, r, errors.NewValidationf("active must be a boolean, got %q", v))
			return
		}
		filter.ActiveOnly = active
	}

	jobs, err := a.Scheduler.ListJobs(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*scheduler.RecurringJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *Application) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in scheduler.JobInput
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	job, err := a.Scheduler.CreateJob(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *Application) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Scheduler.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *Application) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var in scheduler.JobInput
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	job, err := a.Scheduler.UpdateJob(r.Context(), r.PathValue("id"), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *Application) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := a.Scheduler.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) handleJobOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := a.Scheduler.Occurrences(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOccurrences(w, occs)
}

//
// Occurrences
//

func writeOccurrences(w http.ResponseWriter, occs []*scheduler.Occurrence) {
	if occs == nil {
		occs = []*scheduler.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occs)
}

func (a *Application) handleDue(w http.ResponseWriter, r *http.Request) {
	asOf, err := a.dateParam(r, "as_of")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	due, err := a.Scheduler.DueList(r.Context(), asOf)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOccurrences(w, due)
}

func (a *Application) handleRefresh(w http.ResponseWriter, r *http.Request) {
	asOf, err := a.dateParam(r, "as_of")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Scheduler.Refresh(r.Context(), asOf)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if res.Due == nil {
		res.Due = []*scheduler.Occurrence{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *Application) handleGetOccurrence(w http.ResponseWriter, r *http.Request) {
	occ, err := a.Scheduler.GetOccurrence(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

// handleComplete completes with the given session_id, or creates a session
// when the body is empty or omits it.
func (a *Application) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, r, err)
			return
		}
	}

	id := r.PathValue("id")
	var (
		occ *scheduler.Occurrence
		err error
	)
	if strings.TrimSpace(req.SessionID) == "" {
		occ, err = a.Scheduler.CompleteOccurrenceWithNewSession(r.Context(), id)
	} else {
		occ, err = a.Scheduler.CompleteOccurrence(r.Context(), id, req.SessionID)
	}
	a.writeTransition(w, r, occ, err)
}

func (a *Application) handleSkip(w http.ResponseWriter, r *http.Request) {
	occ, err := a.Scheduler.SkipOccurrence(r.Context(), r.PathValue("id"))
	a.writeTransition(w, r, occ, err)
}

func (a *Application) handleRetryInvoice(w http.ResponseWriter, r *http.Request) {
	occ, err := a.Scheduler.RetryInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrenceResponse{Occurrence: occ})
}

// writeTransition reports a lifecycle call. An error that comes back with
// an occurrence happened after the transition committed, so the response
// is still a success.
func (a *Application) writeTransition(w http.ResponseWriter, r *http.Request, occ *scheduler.Occurrence, err error) {
	if err != nil && occ == nil {
		a.writeError(w, r, err)
		return
	}
	resp := occurrenceResponse{Occurrence: occ}
	if err != nil {
		a.Logger.Warnw("Occurrence completed without invoice", "occurrence_id", occ.ID, "error", err)
		resp.InvoiceError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
