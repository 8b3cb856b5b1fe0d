package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clinic/queue-service/internal/access"
	"clinic/queue-service/internal/hub"
	"clinic/queue-service/internal/models"
	"clinic/queue-service/internal/queue"
	"clinic/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type PrincipalResolver interface {
	Resolve(ctx context.Context, token string) (*access.Principal, error)
}

// RoleInvalidator drops cached role data after a role changes.
type RoleInvalidator interface {
	Invalidate(ctx context.Context, organizationID, roleID string)
}

type Handler struct {
	store       store.QueueStore
	roles       store.RoleStore
	resolver    PrincipalResolver
	invalidator RoleInvalidator
	limiter     *RateLimiter
	hub         *hub.Hub
	location    *time.Location
	now         func() time.Time
	logger      zerolog.Logger
}

type Options struct {
	Location    *time.Location
	Hub         *hub.Hub
	Invalidator RoleInvalidator
	RateLimiter *RateLimiter
	Now         func() time.Time
	Logger      zerolog.Logger
}

type enqueueRequest struct {
	RequestID      string `json:"requestId"`
	OrganizationID string `json:"organizationId"`
	PatientID      string `json:"patientId"`
	ServiceID      string `json:"serviceId"`
	DoctorID       string `json:"doctorId"`
	ServiceOrderID string `json:"serviceOrderId"`
	PriorityClass  string `json:"priorityClass"`
}

type actionRequest struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	PerformedByID  string `json:"performedById"`
	ResultText     string `json:"resultText"`
	Reason         string `json:"reason"`
}

type eventsResponse struct {
	QueueItemID string                 `json:"queueItemId"`
	Events      []store.QueueItemEvent `json:"events"`
	ChainValid  bool                   `json:"chainValid"`
	BrokenAtSeq int                    `json:"brokenAtSeq,omitempty"`
}

type receptionResponse struct {
	OrganizationID string               `json:"organizationId"`
	Items          []queue.PriorityView `json:"items"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queueStore store.QueueStore, roleStore store.RoleStore, resolver PrincipalResolver, options Options) *Handler {
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		store:       queueStore,
		roles:       roleStore,
		resolver:    resolver,
		invalidator: options.Invalidator,
		limiter:     options.RateLimiter,
		hub:         options.Hub,
		location:    location,
		now:         now,
		logger:      options.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/departments/", h.handleDepartmentQueue)
	mux.HandleFunc("/api/queue-items/", h.handleQueueItem)
	mux.HandleFunc("/api/reception/queue", h.handleReceptionQueue)
	mux.HandleFunc("/api/roles", h.handleRoles)
	mux.HandleFunc("/api/roles/", h.handleRole)
	mux.HandleFunc("/api/realtime", h.handleRealtime)
	var next http.Handler = mux
	if h.limiter != nil {
		next = h.limiter.OrganizationMiddleware(next)
	}
	return AuthMiddleware(h.resolver, next)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "not_ready", "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDepartmentQueue serves /api/departments/{id}/queue.
func (h *Handler) handleDepartmentQueue(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/departments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "queue" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	departmentID := parts[0]
	if !isValidUUID(departmentID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "departmentId must be a UUID")
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.getDepartmentQueue(w, r, departmentID)
	case http.MethodPost:
		h.enqueue(w, r, departmentID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) getDepartmentQueue(w http.ResponseWriter, r *http.Request, departmentID string) {
	requestID := requestIDFromRequest(r)
	organizationID := strings.TrimSpace(r.URL.Query().Get("organizationId"))
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctorId"))
	if organizationID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId is required")
		return
	}
	if !isValidUUID(organizationID) || (doctorID != "" && !isValidUUID(doctorID)) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId and doctorId must be UUIDs")
		return
	}
	if !requirePermission(w, r, access.PermissionQueueRead) || !requireOrganization(w, r, organizationID) {
		return
	}

	if _, err := h.store.GetDepartment(r.Context(), organizationID, departmentID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}

	now := h.now()
	from, to := queue.DayWindow(now, h.location)
	filter := store.QueueFilter{
		OrganizationID: organizationID,
		DepartmentID:   departmentID,
		DoctorID:       doctorID,
		Statuses:       queue.ActiveStatuses,
		From:           from,
		To:             to,
	}
	items, err := h.store.ListQueueItems(r.Context(), filter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	completed, err := h.store.CountCompleted(r.Context(), filter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queue.Assemble(departmentID, items, completed, now))
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, departmentID string) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.ServiceOrderID = strings.TrimSpace(req.ServiceOrderID)
	req.PriorityClass = strings.ToUpper(strings.TrimSpace(req.PriorityClass))

	if req.RequestID == "" || req.OrganizationID == "" || req.PatientID == "" || req.ServiceID == "" || req.DoctorID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "requestId, organizationId, patientId, serviceId, and doctorId are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.OrganizationID) || !isValidUUID(req.PatientID) || !isValidUUID(req.ServiceID) || !isValidUUID(req.DoctorID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "requestId, organizationId, patientId, serviceId, and doctorId must be UUIDs")
		return
	}
	if req.ServiceOrderID != "" && !isValidUUID(req.ServiceOrderID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "serviceOrderId must be a UUID when provided")
		return
	}
	if req.PriorityClass == "" {
		req.PriorityClass = models.PriorityNormal
	}
	if !models.IsValidPriorityClass(req.PriorityClass) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priorityClass must be NORMAL, URGENT, or EMERGENCY")
		return
	}
	if !requirePermission(w, r, access.PermissionQueueManage) || !requireOrganization(w, r, req.OrganizationID) {
		return
	}

	item, created, err := h.store.Enqueue(r.Context(), store.EnqueueInput{
		RequestID:      req.RequestID,
		OrganizationID: req.OrganizationID,
		DepartmentID:   departmentID,
		PatientID:      req.PatientID,
		ServiceID:      req.ServiceID,
		DoctorID:       req.DoctorID,
		ServiceOrderID: req.ServiceOrderID,
		PriorityClass:  req.PriorityClass,
		QueuedAt:       h.now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if created {
		writeJSON(w, http.StatusCreated, item)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleQueueItem serves /api/queue-items/{id}, /{id}/events and
// /{id}/actions/{action}.
func (h *Handler) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue-items/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	itemID := parts[0]
	if itemID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(itemID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "queue item id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.getQueueItem(w, r, itemID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.listQueueItemEvents(w, r, itemID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !store.IsKnownAction(parts[2]) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.transition(w, r, itemID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) getQueueItem(w http.ResponseWriter, r *http.Request, itemID string) {
	requestID := requestIDFromRequest(r)
	organizationID, ok := organizationFromQuery(w, r)
	if !ok {
		return
	}
	if !requirePermission(w, r, access.PermissionQueueRead) || !requireOrganization(w, r, organizationID) {
		return
	}
	item, err := h.store.GetQueueItem(r.Context(), organizationID, itemID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) listQueueItemEvents(w http.ResponseWriter, r *http.Request, itemID string) {
	requestID := requestIDFromRequest(r)
	organizationID, ok := organizationFromQuery(w, r)
	if !ok {
		return
	}
	if !requirePermission(w, r, access.PermissionAuditRead) || !requireOrganization(w, r, organizationID) {
		return
	}
	events, err := h.store.ListQueueItemEvents(r.Context(), organizationID, itemID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	if len(events) == 0 {
		writeError(w, requestID, http.StatusNotFound, "queue_item_not_found", "queue item not found")
		return
	}
	brokenAt := store.VerifyEventChain(events)
	writeJSON(w, http.StatusOK, eventsResponse{
		QueueItemID: itemID,
		Events:      events,
		ChainValid:  brokenAt == 0,
		BrokenAtSeq: brokenAt,
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, itemID, action string) {
	requestID := requestIDFromRequest(r)
	var req actionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	req.PerformedByID = strings.TrimSpace(req.PerformedByID)
	req.ResultText = strings.TrimSpace(req.ResultText)
	req.Reason = strings.TrimSpace(req.Reason)

	if req.OrganizationID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId is required")
		return
	}
	if !isValidUUID(req.OrganizationID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "organizationId must be a UUID")
		return
	}
	if req.ID != "" && req.ID != itemID {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "id does not match the queue item in the path")
		return
	}
	if req.PerformedByID != "" && !isValidUUID(req.PerformedByID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "performedById must be a UUID when provided")
		return
	}
	if !requirePermission(w, r, access.PermissionQueueManage) || !requireOrganization(w, r, req.OrganizationID) {
		return
	}

	item, err := h.store.Transition(r.Context(), store.TransitionInput{
		OrganizationID: req.OrganizationID,
		QueueItemID:    itemID,
		Action:         action,
		PerformedByID:  req.PerformedByID,
		ResultText:     req.ResultText,
		Reason:         req.Reason,
		OccurredAt:     h.now().UTC(),
	})
	if err != nil {
		recordTransition(action, err)
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	recordTransition(action, nil)
	writeJSON(w, http.StatusOK, item)
}

// handleReceptionQueue lists the organization's waiting items ordered by
// priority score. The department queue endpoint stays FIFO.
func (h *Handler) handleReceptionQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	organizationID, ok := organizationFromQuery(w, r)
	if !ok {
		return
	}
	departmentID := strings.TrimSpace(r.URL.Query().Get("departmentId"))
	if departmentID != "" && !isValidUUID(departmentID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "departmentId must be a UUID")
		return
	}
	if !requirePermission(w, r, access.PermissionQueueRead) || !requireOrganization(w, r, organizationID) {
		return
	}

	now := h.now()
	from, to := queue.DayWindow(now, h.location)
	items, err := h.store.ListQueueItems(r.Context(), store.QueueFilter{
		OrganizationID: organizationID,
		DepartmentID:   departmentID,
		Statuses:       []string{models.StatusWaiting},
		From:           from,
		To:             to,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, receptionResponse{
		OrganizationID: organizationID,
		Items:          queue.ReceptionQueue(items, now),
	})
}

func organizationFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	organizationID := strings.TrimSpace(r.URL.Query().Get("organizationId"))
	if organizationID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "organizationId is required")
		return "", false
	}
	if !isValidUUID(organizationID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "organizationId must be a UUID")
		return "", false
	}
	return organizationID, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, requestIDFromRequest(r), http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds 1 MiB")
			return false
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrQueueItemNotFound):
		return http.StatusNotFound, "queue_item_not_found", "queue item not found"
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrRoleNotFound):
		return http.StatusNotFound, "role_not_found", "role not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "queue item status does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "the record was changed by another request"
	case errors.Is(err, store.ErrInvalidReference):
		return http.StatusUnprocessableEntity, "invalid_reference", "patient, service, or doctor not found in organization"
	case errors.Is(err, store.ErrSystemRole):
		return http.StatusForbidden, "system_role", "system roles cannot be modified"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
