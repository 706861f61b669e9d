package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/V4T54L/tenancy/internal/domain"
)

const maxBodyBytes = 1 << 20

// TenantAdmin is the administrative surface the tenant handler drives.
type TenantAdmin interface {
	Create(ctx context.Context, req domain.CreateTenantRequest) (*domain.Tenant, *domain.ProvisioningRecord, error)
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	List(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error)
	Update(ctx context.Context, id string, req domain.UpdateTenantRequest) (*domain.Tenant, error)
	ReplaceProfile(ctx context.Context, id string, p domain.CredentialProfile) error
	Delete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*domain.ProvisioningRecord, error)
	Status(ctx context.Context, id string) (*domain.ProvisioningRecord, error)
}

// TenantHandler handles HTTP requests for tenant administration.
type TenantHandler struct {
	admin  TenantAdmin
	logger *slog.Logger
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(admin TenantAdmin, logger *slog.Logger) *TenantHandler {
	return &TenantHandler{admin: admin, logger: logger.With("component", "tenant_handler")}
}

// provisionResponse pairs a tenant with its pipeline state.
type provisionResponse struct {
	Tenant       *domain.Tenant             `json:"tenant,omitempty"`
	Provisioning *domain.ProvisioningRecord `json:"provisioning,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// Create provisions a new tenant.
// POST /admin/tenants
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, rec, err := h.admin.Create(r.Context(), req)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusCreated, provisionResponse{Tenant: t, Provisioning: rec})
	case errors.Is(err, domain.ErrProvisioningStepFailed):
		// The tenant exists but is inactive; the record says where to resume.
		h.logger.Warn("tenant provisioning incomplete", "tenant_id", tenantIDOf(t), "error", err)
		respondWithJSON(w, http.StatusAccepted, provisionResponse{Tenant: t, Provisioning: rec, Error: err.Error()})
	default:
		h.respondWithError(w, err)
	}
}

// List returns tenants.
// GET /admin/tenants?inactive=true&deleted=true&limit=N
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TenantFilter{
		IncludeInactive: q.Get("inactive") == "true",
		IncludeDeleted:  q.Get("deleted") == "true",
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid 'limit' parameter", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	tenants, err := h.admin.List(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if tenants == nil {
		tenants = []domain.Tenant{}
	}
	respondWithJSON(w, http.StatusOK, tenants)
}

// Get returns one tenant.
// GET /admin/tenants/{id}
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.admin.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

// Update patches a tenant's name, keys, profile, metadata or expiry.
// PATCH /admin/tenants/{id}
func (h *TenantHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.admin.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

// Delete soft-deletes a tenant.
// DELETE /admin/tenants/{id}
func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplaceCredentials stores a new credential profile for a tenant.
// PUT /admin/tenants/{id}/credentials
func (h *TenantHandler) ReplaceCredentials(w http.ResponseWriter, r *http.Request) {
	var p domain.CredentialProfile
	if !h.decode(w, r, &p) {
		return
	}
	if err := h.admin.ReplaceProfile(r.Context(), r.PathValue("id"), p); err != nil {
		h.respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProvisionStatus reports a tenant's pipeline state.
// GET /admin/tenants/{id}/provision
func (h *TenantHandler) ProvisionStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

// RetryProvision resumes a failed pipeline from its checkpoint.
// POST /admin/tenants/{id}/provision/retry
func (h *TenantHandler) RetryProvision(w http.ResponseWriter, r *http.Request) {
	rec, err := h.admin.Retry(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, provisionResponse{Provisioning: rec})
	case errors.Is(err, domain.ErrProvisioningStepFailed):
		respondWithJSON(w, http.StatusAccepted, provisionResponse{Provisioning: rec, Error: err.Error()})
	default:
		h.respondWithError(w, err)
	}
}

func (h *TenantHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *TenantHandler) respondWithError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", "error", err)
		respondWithJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}
	respondWithJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTenant):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTenantNotFound),
		errors.Is(err, domain.ErrRecordNotFound),
		errors.Is(err, domain.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateKey),
		errors.Is(err, domain.ErrProvisioningInProgress),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrDatabaseExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConnectionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTenantConnectionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func tenantIDOf(t *domain.Tenant) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
