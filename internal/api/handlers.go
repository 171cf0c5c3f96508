/**
 * @description
 * This file contains the HTTP handlers for the recurring-transfer-service's API
 * endpoints. Handlers parse incoming requests, call the application service and
 * write the HTTP response. They act as the bridge between the web layer and the
 * business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/transfa/recurring-transfer-service/internal/app"
	"github.com/transfa/recurring-transfer-service/internal/domain"
	"github.com/transfa/recurring-transfer-service/internal/store"
)

// RecurringTransferHandlers holds the application service that handlers will use.
type RecurringTransferHandlers struct {
	service *app.Service
}

// NewRecurringTransferHandlers creates a new instance of RecurringTransferHandlers.
func NewRecurringTransferHandlers(service *app.Service) *RecurringTransferHandlers {
	return &RecurringTransferHandlers{service: service}
}

// verificationResponse mirrors the caller-visible result of a code submission.
type verificationResponse struct {
	Outcome domain.VerificationOutcome `json:"outcome"`
}

// CreateRecurringTransferHandler handles requests to set up a new recurring
// transfer. The transfer is created awaiting verification; no money moves yet.
func (h *RecurringTransferHandlers) CreateRecurringTransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get owner ID from context")
		return
	}

	var req domain.CreateRecurringTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.service.CreateRecurringTransfer(r.Context(), ownerID, req)
	if err != nil {
		if app.IsValidationError(err) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=create_recurring_transfer owner_id=%s err=%v", ownerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create recurring transfer")
		return
	}

	h.writeJSON(w, http.StatusCreated, transfer)
}

// VerifyRecurringTransferHandler handles verification code submissions for a
// pending recurring transfer.
func (h *RecurringTransferHandlers) VerifyRecurringTransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}

	var req domain.VerifyRecurringTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := h.service.VerifyRecurringTransfer(r.Context(), ownerID, transferID, req.Code)
	if err != nil {
		if errors.Is(err, app.ErrTooManyAttempts) {
			h.writeError(w, http.StatusTooManyRequests, "Too many verification attempts. Please wait and try again.")
			return
		}
		log.Printf("level=error component=api endpoint=verify_recurring_transfer transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to verify recurring transfer")
		return
	}

	switch outcome {
	case domain.VerificationAccepted:
		h.writeJSON(w, http.StatusOK, verificationResponse{Outcome: outcome})
	case domain.VerificationNotFound:
		h.writeJSON(w, http.StatusNotFound, verificationResponse{Outcome: outcome})
	default:
		h.writeJSON(w, http.StatusBadRequest, verificationResponse{Outcome: outcome})
	}
}

// ResendVerificationCodeHandler reissues a verification code for a transfer
// still awaiting verification.
func (h *RecurringTransferHandlers) ResendVerificationCodeHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}

	err := h.service.ResendVerificationCode(r.Context(), ownerID, transferID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransferNotFound):
			h.writeError(w, http.StatusNotFound, "Recurring transfer not found")
		case errors.Is(err, app.ErrNotPendingVerification):
			h.writeError(w, http.StatusConflict, "Recurring transfer is not awaiting verification")
		case errors.Is(err, app.ErrTooManyAttempts):
			h.writeError(w, http.StatusTooManyRequests, "Too many resend requests. Please wait and try again.")
		default:
			log.Printf("level=error component=api endpoint=resend_verification_code transfer_id=%s err=%v", transferID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to resend verification code")
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "code_sent"})
}

// CancelRecurringTransferHandler handles cancellation requests.
func (h *RecurringTransferHandlers) CancelRecurringTransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.CancelRecurringTransfer(r.Context(), ownerID, transferID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransferNotFound):
			h.writeError(w, http.StatusNotFound, "Recurring transfer not found")
		case errors.Is(err, store.ErrCancelNotAllowed):
			h.writeError(w, http.StatusConflict, "Recurring transfer already finished")
		default:
			log.Printf("level=error component=api endpoint=cancel_recurring_transfer transfer_id=%s err=%v", transferID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to cancel recurring transfer")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, transfer)
}

// GetRecurringTransferHandler returns one of the owner's recurring transfers,
// including its last execution outcome.
func (h *RecurringTransferHandlers) GetRecurringTransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, transferID, ok := h.ownerAndTransferID(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetRecurringTransfer(r.Context(), ownerID, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Recurring transfer not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_recurring_transfer transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch recurring transfer")
		return
	}

	h.writeJSON(w, http.StatusOK, transfer)
}

// ListRecurringTransfersHandler returns all of the owner's recurring transfers.
func (h *RecurringTransferHandlers) ListRecurringTransfersHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get owner ID from context")
		return
	}

	transfers, err := h.service.ListRecurringTransfers(r.Context(), ownerID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_recurring_transfers owner_id=%s err=%v", ownerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list recurring transfers")
		return
	}
	if transfers == nil {
		transfers = []domain.RecurringTransfer{}
	}

	h.writeJSON(w, http.StatusOK, transfers)
}

// ownerAndTransferID extracts the authenticated owner and the transfer id URL
// parameter, writing the error response itself when either is missing.
func (h *RecurringTransferHandlers) ownerAndTransferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get owner ID from context")
		return uuid.Nil, uuid.Nil, false
	}
	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID")
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, transferID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *RecurringTransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *RecurringTransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
