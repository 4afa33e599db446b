package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/payment"
	"github.com/paymentflow/paymentflow/internal/platform/clock"
)

// Handler exposes the transaction core over a thin JSON surface. Requests
// carry amounts as decimal strings; responses mirror the domain records.
type Handler struct {
	Coordinator *payment.Coordinator
	Batcher     *payment.Batcher
	Gate        *payment.Gate
	Ledger      payment.Ledger
	Store       payment.Store
	Clock       clock.Clock
	StartedAt   time.Time
	Version     string
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/transactions", h.createTransaction)
	mux.HandleFunc("GET /v1/transactions/{id}", h.getTransaction)
	mux.HandleFunc("POST /v1/transactions/{id}/confirm-withdrawal", h.confirmWithdrawal)
	mux.HandleFunc("POST /v1/transactions/{id}/fail-withdrawal", h.failWithdrawal)
	mux.HandleFunc("POST /v1/transactions/{id}/reverse", h.reverseTransaction)
	mux.HandleFunc("POST /v1/transactions/{id}/refund", h.refundTransaction)
	mux.HandleFunc("POST /v1/fraud-checks/{id}/approve", h.approveFraudCheck)
	mux.HandleFunc("POST /v1/fraud-checks/{id}/reject", h.rejectFraudCheck)
	mux.HandleFunc("POST /v1/compliance-checks/{id}/review", h.reviewComplianceCheck)
	mux.HandleFunc("POST /v1/settlement-batches", h.createBatch)
	mux.HandleFunc("POST /v1/settlement-batches/process", h.processBatch)
	mux.HandleFunc("POST /v1/webhooks/gateway", h.gatewayWebhook)
	mux.HandleFunc("GET /v1/wallets", h.getWallet)
	mux.HandleFunc("GET /healthz", h.healthz)
}

func statusFor(err error) int {
	switch payment.Classify(err) {
	case payment.ClassValidation:
		return http.StatusBadRequest
	case payment.ClassPolicy:
		return http.StatusUnprocessableEntity
	case payment.ClassConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	// Not-found reads map to 404 rather than their taxonomy class.
	status := statusFor(err)
	if errors.Is(err, payment.ErrTransactionNotFound) ||
		errors.Is(err, payment.ErrBatchNotFound) ||
		errors.Is(err, payment.ErrCheckNotFound) ||
		errors.Is(err, payment.ErrWalletNotFound) ||
		errors.Is(err, payment.ErrAccountNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"class": string(payment.Classify(err)),
	})
}

type transactionResponse struct {
	ID                   string     `json:"id"`
	AccountID            string     `json:"account_id"`
	UserID               string     `json:"user_id"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	Amount               string     `json:"amount"`
	Fee                  string     `json:"fee"`
	NetAmount            string     `json:"net_amount"`
	Currency             string     `json:"currency"`
	Description          string     `json:"description,omitempty"`
	ReferenceID          string     `json:"reference_id"`
	ExternalReference    string     `json:"external_reference,omitempty"`
	DestinationAccountID string     `json:"destination_account_id,omitempty"`
	SettlementID         string     `json:"settlement_id,omitempty"`
	FraudCheckID         string     `json:"fraud_check_id,omitempty"`
	ComplianceCheckID    string     `json:"compliance_check_id,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

func toTransactionResponse(t payment.Transaction) transactionResponse {
	return transactionResponse{
		ID:                   t.ID,
		AccountID:            t.AccountID,
		UserID:               t.UserID,
		Type:                 string(t.Type),
		Status:               string(t.Status),
		Amount:               t.Amount.String(),
		Fee:                  t.Fee.String(),
		NetAmount:            t.NetAmount.String(),
		Currency:             t.Currency,
		Description:          t.Description,
		ReferenceID:          t.ReferenceID,
		ExternalReference:    t.ExternalReference,
		DestinationAccountID: t.DestinationAccountID,
		SettlementID:         t.SettlementID,
		FraudCheckID:         t.FraudCheckID,
		ComplianceCheckID:    t.ComplianceCheckID,
		ErrorMessage:         t.ErrorMessage,
		ProcessedAt:          t.ProcessedAt,
		CreatedAt:            t.CreatedAt,
	}
}

type createTransactionRequest struct {
	AccountID            string `json:"account_id"`
	UserID               string `json:"user_id"`
	Type                 string `json:"type"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	Description          string `json:"description"`
	ReferenceID          string `json:"reference_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Gateway              string `json:"gateway"`
	DeviceFingerprint    string `json:"device_fingerprint"`
	KnownDevice          bool   `json:"known_device"`
	Geolocation          string `json:"geolocation"`
	HighRiskGeo          bool   `json:"high_risk_geo"`
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json body"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, payment.ErrInvalidAmount)
		return
	}
	t, err := h.Coordinator.Create(r.Context(), payment.CreateRequest{
		AccountID:            req.AccountID,
		UserID:               req.UserID,
		Type:                 payment.TransactionType(req.Type),
		Amount:               amount,
		Currency:             req.Currency,
		Description:          req.Description,
		ReferenceID:          req.ReferenceID,
		DestinationAccountID: req.DestinationAccountID,
		Gateway:              req.Gateway,
		Context: payment.RequestContext{
			DeviceFingerprint: req.DeviceFingerprint,
			KnownDevice:       req.KnownDevice,
			IPAddress:         r.RemoteAddr,
			UserAgent:         r.UserAgent(),
			Geolocation:       req.Geolocation,
			HighRiskGeo:       req.HighRiskGeo,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.Transaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) confirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	t, err := h.Coordinator.ConfirmWithdrawal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) failWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	t, err := h.Coordinator.FailWithdrawal(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) reverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	t, err := h.Coordinator.Reverse(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) refundTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	t, err := h.Coordinator.Refund(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

func (h *Handler) approveFraudCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID string `json:"reviewer_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	t, err := h.Coordinator.ApproveHeld(r.Context(), r.PathValue("id"), req.ReviewerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) rejectFraudCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID string `json:"reviewer_id"`
		Reason     string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	t, err := h.Coordinator.RejectHeld(r.Context(), r.PathValue("id"), req.ReviewerID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) reviewComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID string `json:"reviewer_id"`
		Approve    bool   `json:"approve"`
		Reason     string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	check, err := h.Gate.Review(r.Context(), r.PathValue("id"), req.ReviewerID, req.Approve, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              check.ID,
		"transaction_id":  check.TransactionID,
		"status":          string(check.Status),
		"flags":           check.Flags,
		"decision_reason": check.DecisionReason,
		"reviewed_by":     check.ReviewedBy,
	})
}

type batchResponse struct {
	ID               string     `json:"id"`
	BatchNumber      string     `json:"batch_number"`
	Status           string     `json:"status"`
	TotalAmount      string     `json:"total_amount"`
	TotalFees        string     `json:"total_fees"`
	Currency         string     `json:"currency"`
	TransactionCount int        `json:"transaction_count"`
	ProcessedCount   int        `json:"processed_count"`
	FailedCount      int        `json:"failed_count"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

func toBatchResponse(b payment.SettlementBatch) batchResponse {
	return batchResponse{
		ID:               b.ID,
		BatchNumber:      b.BatchNumber,
		Status:           string(b.Status),
		TotalAmount:      b.TotalAmount.String(),
		TotalFees:        b.TotalFees.String(),
		Currency:         b.Currency,
		TransactionCount: b.TransactionCount,
		ProcessedCount:   b.ProcessedCount,
		FailedCount:      b.FailedCount,
		ProcessedAt:      b.ProcessedAt,
	}
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Currency == "" {
		writeError(w, payment.ErrUnsupportedCurrency)
		return
	}
	b, err := h.Batcher.CreateBatch(r.Context(), req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(b))
}

func (h *Handler) processBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BatchID == "" {
		writeError(w, payment.ErrBatchNotFound)
		return
	}
	b, err := h.Batcher.ProcessBatch(r.Context(), req.BatchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GatewayTransactionID string `json:"gateway_transaction_id"`
		Succeeded            bool   `json:"succeeded"`
		FailureReason        string `json:"failure_reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GatewayTransactionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "gateway_transaction_id is required"})
		return
	}
	t, err := h.Coordinator.CompleteGatewayPayment(r.Context(), req.GatewayTransactionID, req.Succeeded, req.FailureReason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (h *Handler) getWallet(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	currency := r.URL.Query().Get("currency")
	walletType := r.URL.Query().Get("type")
	if walletType == "" {
		walletType = string(payment.WalletMain)
	}
	if accountID == "" || currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id and currency are required"})
		return
	}
	wallet, err := h.Ledger.Wallet(r.Context(), payment.WalletKey{
		AccountID:  accountID,
		WalletType: payment.WalletType(walletType),
		Currency:   currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         wallet.ID,
		"account_id": wallet.Key.AccountID,
		"type":       string(wallet.Key.WalletType),
		"currency":   wallet.Key.Currency,
		"balance":    wallet.Balance.String(),
		"available":  wallet.Available.String(),
		"frozen":     wallet.Frozen.String(),
	})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"uptime":  h.Clock.Now().Sub(h.StartedAt).String(),
	})
}
