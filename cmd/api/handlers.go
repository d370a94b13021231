package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/cashdrawer"
	"github.com/mcclellann/microloans/pkg/ledger"
	"github.com/mcclellann/microloans/pkg/payment"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server holds the services behind the HTTP surface.
type Server struct {
	ledger   *ledger.Ledger
	payments *payment.Processor
	drawer   *cashdrawer.Drawer
	storage  store.Storage // Keep a reference to the storage to close it
	logger   *zap.Logger
}

func NewServer(s store.Storage, l *ledger.Ledger, p *payment.Processor, d *cashdrawer.Drawer, logger *zap.Logger) *Server {
	return &Server{
		ledger:   l,
		payments: p,
		drawer:   d,
		storage:  s,
		logger:   logger,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error      string           `json:"error"`
	Kind       string           `json:"kind"`
	Expected   *decimal.Decimal `json:"expected,omitempty"`
	Counted    *decimal.Decimal `json:"counted,omitempty"`
	Difference *decimal.Decimal `json:"difference,omitempty"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.External:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: kind.String()}

	var disc *cashdrawer.DiscrepancyError
	if errors.As(err, &disc) {
		resp.Expected, resp.Counted, resp.Difference = &disc.Expected, &disc.Counted, &disc.Difference
	}
	if kind == apperr.Internal {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = "internal error"
	}
	s.writeJSON(w, statusFor(kind), resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, apperr.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, apperr.Validationf("invalid id %q", mux.Vars(r)["id"]))
		return uuid.Nil, false
	}
	return id, true
}

// Loans

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.LoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.ledger.CreateLoan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loans)
}

func (s *Server) customerLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.ledger.GetActiveLoanByCustomer(r.Context(), mux.Vars(r)["document"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

// Payments

func (s *Server) history(w http.ResponseWriter, r *http.Request, filter store.PaymentFilter) {
	payments, err := s.payments.History(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payments)
}

func (s *Server) loanPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.pathID(w, r); ok {
		s.history(w, r, store.PaymentFilter{LoanID: &id})
	}
}

func (s *Server) installmentPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.pathID(w, r); ok {
		s.history(w, r, store.PaymentFilter{InstallmentID: &id})
	}
}

func (s *Server) customerPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, store.PaymentFilter{CustomerID: mux.Vars(r)["document"]})
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req payment.Request
	if !s.decode(w, r, &req) {
		return
	}
	req.InstallmentID = installmentID

	p, err := s.payments.RecordPayment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) gatewayChargeHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	charge, err := s.payments.CreateGatewayCharge(r.Context(), installmentID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, charge)
}

// gatewayNotificationHandler accepts both the JSON body
// {"type":"payment","data":{"id":"..."}} and the query form
// ?topic=payment&id=... used by older gateway versions.
func (s *Server) gatewayNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	// An empty or non-JSON body falls back to the query string.
	_ = json.NewDecoder(r.Body).Decode(&body)

	q := r.URL.Query()
	kind := firstNonEmpty(body.Type, q.Get("type"), q.Get("topic"))
	bodyID := strings.Trim(string(body.Data.ID), `"`)
	if bodyID == "null" {
		bodyID = ""
	}
	id := firstNonEmpty(bodyID, q.Get("data.id"), q.Get("id"))

	if kind != "" && kind != "payment" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if id == "" {
		s.writeError(w, r, apperr.Validationf("notification has no payment id"))
		return
	}

	p, err := s.payments.ConfirmGatewayCharge(r.Context(), id)
	if apperr.Is(err, apperr.NotFound) {
		s.logger.Info("ignoring notification for unknown payment", zap.String("gateway_payment_id", id))
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Cash drawer

func (s *Server) openCashHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User         string          `json:"user"`
		OpeningFloat decimal.Decimal `json:"opening_float"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.drawer.Open(r.Context(), req.User, req.OpeningFloat)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) cashSummaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.drawer.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) cashMovementsHandler(w http.ResponseWriter, r *http.Request) {
	movements, err := s.drawer.Movements(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, movements)
}

func (s *Server) changeCheckHandler(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, apperr.Validationf("amount query parameter must be a decimal"))
		return
	}
	check, err := s.drawer.ValidateChange(r.Context(), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

// movementHandler adapts one of the drawer's Register methods.
func (s *Server) movementHandler(register func(context.Context, cashdrawer.MovementRequest) (*cashdrawer.MovementResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cashdrawer.MovementRequest
		if !s.decode(w, r, &req) {
			return
		}
		result, err := register(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, result)
	}
}

func (s *Server) closeCashHandler(w http.ResponseWriter, r *http.Request) {
	var req cashdrawer.CloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.drawer.Close(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}
