// Package httpapi provides the thin per-entity JSON handlers that call into
// the sync engine after a successful write, plus the mounted pull endpoint.
// Validation here is minimal: the engine owns change distribution, not field
// rules.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ostapchuk/crmsync/internal/auth"
	"github.com/ostapchuk/crmsync/internal/crm"
	"github.com/ostapchuk/crmsync/internal/store"
)

// API routes the JSON endpoints.
type API struct {
	contacts *crm.Contacts
	tasks    *crm.Tasks
	verifier *auth.Verifier
	logger   *log.Logger
	mux      *http.ServeMux
}

// New creates the API. The sync handler is mounted under /sync/ so push and
// pull share the caller's listener.
func New(contacts *crm.Contacts, tasks *crm.Tasks, sync http.Handler, verifier *auth.Verifier, logger *log.Logger) *API {
	if logger == nil {
		logger = log.Default()
	}
	a := &API{
		contacts: contacts,
		tasks:    tasks,
		verifier: verifier,
		logger:   logger,
	}

	mux := http.NewServeMux()
	if sync != nil {
		mux.Handle("/sync/", sync)
	}
	mux.HandleFunc("POST /contacts", a.authenticated(a.createContact))
	mux.HandleFunc("PATCH /contacts/{id}", a.authenticated(a.updateContact))
	mux.HandleFunc("DELETE /contacts/{id}", a.authenticated(a.deleteContact))
	mux.HandleFunc("POST /tasks", a.authenticated(a.createTask))
	mux.HandleFunc("PATCH /tasks/{id}", a.authenticated(a.updateTask))
	mux.HandleFunc("DELETE /tasks/{id}", a.authenticated(a.deleteTask))
	a.mux = mux

	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// authenticated derives the principal from the bearer credential before the
// handler runs. The principal itself is unused by the write handlers today;
// rejecting unauthenticated writes is the point.
func (a *API) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
		if _, err := a.verifier.Verify(token); err != nil {
			http.Error(w, "invalid credential", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// optionalString distinguishes an absent JSON key from an explicit null, so
// a PATCH can say "assign to nobody" as well as "don't change the owner".
type optionalString struct {
	Set   bool
	Value *string
}

func (o *optionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

type createContactRequest struct {
	FullName  string     `json:"full_name"`
	OwnerID   *string    `json:"owner_id"`
	BirthDate *time.Time `json:"birth_date"`
	Phones    []string   `json:"phones"`
}

type updateContactRequest struct {
	FullName  *string        `json:"full_name"`
	BirthDate *time.Time     `json:"birth_date"`
	Phones    *[]string      `json:"phones"`
	OwnerID   optionalString `json:"owner_id"`
}

func (a *API) createContact(w http.ResponseWriter, r *http.Request) {
	var req createContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	contact, err := a.contacts.Create(r.Context(), crm.CreateContactInput{
		FullName:  req.FullName,
		OwnerID:   req.OwnerID,
		BirthDate: req.BirthDate,
		Phones:    req.Phones,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusCreated, contact)
}

func (a *API) updateContact(w http.ResponseWriter, r *http.Request) {
	var req updateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	contact, err := a.contacts.Update(r.Context(), r.PathValue("id"), crm.UpdateContactInput{
		FullName:  req.FullName,
		BirthDate: req.BirthDate,
		Phones:    req.Phones,
		OwnerID:   req.OwnerID.Value,
		OwnerSet:  req.OwnerID.Set,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, contact)
}

func (a *API) deleteContact(w http.ResponseWriter, r *http.Request) {
	if err := a.contacts.Delete(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTaskRequest struct {
	Title     string     `json:"title"`
	ContactID *string    `json:"contact_id"`
	OwnerID   *string    `json:"owner_id"`
	DueAt     *time.Time `json:"due_at"`
}

type updateTaskRequest struct {
	Title     *string        `json:"title"`
	ContactID *string        `json:"contact_id"`
	DueAt     *time.Time     `json:"due_at"`
	OwnerID   optionalString `json:"owner_id"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task, err := a.tasks.Create(r.Context(), crm.CreateTaskInput{
		Title:     req.Title,
		ContactID: req.ContactID,
		OwnerID:   req.OwnerID,
		DueAt:     req.DueAt,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusCreated, task)
}

func (a *API) updateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task, err := a.tasks.Update(r.Context(), r.PathValue("id"), crm.UpdateTaskInput{
		Title:     req.Title,
		ContactID: req.ContactID,
		DueAt:     req.DueAt,
		OwnerID:   req.OwnerID.Value,
		OwnerSet:  req.OwnerID.Set,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, task)
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Printf("Failed to encode response: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		a.logger.Printf("Request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
