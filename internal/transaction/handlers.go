package transaction

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// --- Request/Response types ---

// CreateCommandRequest is the JSON body for POST /api/v1/commands.
type CreateCommandRequest struct {
	Fund              string         `json:"fund" validate:"required,alphanum,max=16"`
	Mode              string         `json:"mode" validate:"required,oneof=BUY SELL SELL_FAST REBALANCE"`
	AsOfDate          string         `json:"as_of_date" validate:"required,datetime=2006-01-02"`
	ManualAdjustments map[string]any `json:"manual_adjustments"`
}

// ConfirmBatchRequest is the optional JSON body for batch confirmation.
type ConfirmBatchRequest struct {
	ConfirmedBy string `json:"confirmed_by" validate:"omitempty,max=128"`
}

// BatchResponse is a batch with its orders and audit trail.
type BatchResponse struct {
	Batch  *model.TransactionBatch  `json:"batch"`
	Orders []model.TransactionOrder `json:"orders"`
	Audit  []model.AuditEvent       `json:"audit"`
}

// --- HTTP Handlers ---

// HandleCreateCommand handles POST /api/v1/commands
func (s *Service) HandleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req CreateCommandRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber() // keep adjustment amounts exact
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	asOf, _ := time.Parse(time.DateOnly, req.AsOfDate)

	cmd, err := s.CreateCommand(r.Context(), model.Fund(req.Fund), model.TransactionMode(req.Mode), asOf, req.ManualAdjustments)
	if err != nil {
		writeError(w, "failed to create command", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(cmd)
}

// HandleGetCommand handles GET /api/v1/commands/{commandID}
func (s *Service) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.deps.Store.GetCommand(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		writeStoreError(w, "command", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cmd)
}

// HandleGetBatch handles GET /api/v1/batches/{batchID}
func (s *Service) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := chi.URLParam(r, "batchID")

	batch, err := s.deps.Store.GetBatch(ctx, batchID)
	if err != nil {
		writeStoreError(w, "batch", err)
		return
	}
	orders, err := s.deps.Store.OrdersByBatch(ctx, batchID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	audit, err := s.deps.Store.AuditEventsByBatch(ctx, batchID)
	if err != nil {
		writeError(w, "failed to load audit events", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.TransactionOrder{}
	}
	if audit == nil {
		audit = []model.AuditEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BatchResponse{Batch: batch, Orders: orders, Audit: audit})
}

// HandleConfirmBatch handles POST /api/v1/batches/{batchID}/confirm
func (s *Service) HandleConfirmBatch(w http.ResponseWriter, r *http.Request) {
	var req ConfirmBatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, validationMessage(err), http.StatusBadRequest)
			return
		}
	}

	batch, err := s.ConfirmBatch(r.Context(), chi.URLParam(r, "batchID"), req.ConfirmedBy)
	switch {
	case errors.Is(err, model.ErrIllegalTransition):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeStoreError(w, "batch", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

// Routes mounts the command and batch endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/api/v1/commands", s.HandleCreateCommand)
	r.Get("/api/v1/commands/{commandID}", s.HandleGetCommand)
	r.Get("/api/v1/batches/{batchID}", s.HandleGetBatch)
	r.Post("/api/v1/batches/{batchID}/confirm", s.HandleConfirmBatch)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}

func writeStoreError(w http.ResponseWriter, entity string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, entity+" not found", http.StatusNotFound)
		return
	}
	slog.Error("store lookup failed", "entity", entity, "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
