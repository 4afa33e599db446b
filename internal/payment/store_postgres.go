package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// PostgresStore persists core entities through database/sql. String lists
// (triggered rules, compliance flags) are kept as jsonb.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	// 23505 is the postgres unique_violation code; matching the text keeps
	// us off driver-specific error types.
	return err != nil && strings.Contains(err.Error(), "23505")
}

func marshalList(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshalList(b []byte) []string {
	var out []string
	_ = json.Unmarshal(b, &out)
	return out
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) error {
	const q = `
INSERT INTO accounts (id, user_id, account_type, status, currency, kyc_verified, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.UserID, a.AccountType, string(a.Status), a.Currency, a.KYCVerified, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) Account(ctx context.Context, id string) (Account, error) {
	const q = `
SELECT id, user_id, account_type, status, currency, kyc_verified, created_at, updated_at
FROM accounts WHERE id = $1
`
	var a Account
	err := s.db.QueryRowContext(ctx, q, id).
		Scan(&a.ID, &a.UserID, &a.AccountType, &a.Status, &a.Currency, &a.KYCVerified, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *PostgresStore) UserProfile(ctx context.Context, userID string) (Profile, error) {
	const q = `
SELECT MIN(created_at), BOOL_OR(kyc_verified)
FROM accounts WHERE user_id = $1
`
	var created sql.NullTime
	var kyc sql.NullBool
	if err := s.db.QueryRowContext(ctx, q, userID).Scan(&created, &kyc); err != nil {
		return Profile{}, err
	}
	if !created.Valid {
		return Profile{}, ErrAccountNotFound
	}
	return Profile{CreatedAt: created.Time, KYCVerified: kyc.Bool}, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, t Transaction) error {
	const q = `
INSERT INTO transactions (id, account_id, user_id, type, status, amount, fee, net_amount, currency,
	description, reference_id, external_reference, source_wallet_id, destination_wallet_id,
	destination_account_id, payment_id, settlement_id, fraud_check_id, compliance_check_id, error_message,
	processed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
`
	_, err := s.db.ExecContext(ctx, q,
		t.ID, t.AccountID, t.UserID, string(t.Type), string(t.Status),
		t.Amount, t.Fee, t.NetAmount, t.Currency,
		t.Description, nullStr(t.ReferenceID), nullStr(t.ExternalReference),
		nullStr(t.SourceWalletID), nullStr(t.DestinationWalletID),
		nullStr(t.DestinationAccountID),
		nullStr(t.PaymentID), nullStr(t.SettlementID),
		nullStr(t.FraudCheckID), nullStr(t.ComplianceCheckID), t.ErrorMessage,
		nullTime(t.ProcessedAt), t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

const transactionColumns = `
id, account_id, user_id, type, status, amount, fee, net_amount, currency,
description, reference_id, external_reference, source_wallet_id, destination_wallet_id,
destination_account_id, payment_id, settlement_id, fraud_check_id, compliance_check_id, error_message,
processed_at, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (Transaction, error) {
	var t Transaction
	var refID, extRef, srcWallet, dstWallet, dstAccount, paymentID, settleID, fraudID, compID sql.NullString
	var processed sql.NullTime
	err := row.Scan(
		&t.ID, &t.AccountID, &t.UserID, &t.Type, &t.Status,
		&t.Amount, &t.Fee, &t.NetAmount, &t.Currency,
		&t.Description, &refID, &extRef, &srcWallet, &dstWallet,
		&dstAccount, &paymentID, &settleID, &fraudID, &compID, &t.ErrorMessage,
		&processed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	t.ReferenceID = refID.String
	t.ExternalReference = extRef.String
	t.SourceWalletID = srcWallet.String
	t.DestinationWalletID = dstWallet.String
	t.DestinationAccountID = dstAccount.String
	t.PaymentID = paymentID.String
	t.SettlementID = settleID.String
	t.FraudCheckID = fraudID.String
	t.ComplianceCheckID = compID.String
	t.ProcessedAt = timePtr(processed)
	return t, nil
}

func (s *PostgresStore) Transaction(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (s *PostgresStore) TransactionByReference(ctx context.Context, referenceID string) (Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference_id = $1`, referenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, t Transaction) error {
	const q = `
UPDATE transactions
SET status = $2, fee = $3, net_amount = $4, source_wallet_id = $5, destination_wallet_id = $6,
    destination_account_id = $7, payment_id = $8, settlement_id = $9, fraud_check_id = $10,
    compliance_check_id = $11, error_message = $12, processed_at = $13, updated_at = $14
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		t.ID, string(t.Status), t.Fee, t.NetAmount,
		nullStr(t.SourceWalletID), nullStr(t.DestinationWalletID),
		nullStr(t.DestinationAccountID),
		nullStr(t.PaymentID), nullStr(t.SettlementID),
		nullStr(t.FraudCheckID), nullStr(t.ComplianceCheckID),
		t.ErrorMessage, nullTime(t.ProcessedAt), t.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (s *PostgresStore) TransitionTransaction(ctx context.Context, id string, from, to TransactionStatus) (Transaction, error) {
	const q = `
UPDATE transactions SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = $2
`
	res, err := s.db.ExecContext(ctx, q, id, string(from), string(to))
	if err != nil {
		return Transaction{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Transaction{}, err
	}
	t, getErr := s.Transaction(ctx, id)
	if getErr != nil {
		return Transaction{}, getErr
	}
	if n == 0 {
		return t, ErrInvalidTransition
	}
	return t, nil
}

func (s *PostgresStore) UserActivity(ctx context.Context, userID string, since time.Time) (ActivitySummary, error) {
	const q = `
SELECT COUNT(*), COALESCE(SUM(amount), 0)
FROM transactions WHERE user_id = $1 AND created_at >= $2
`
	var sum ActivitySummary
	if err := s.db.QueryRowContext(ctx, q, userID, since).Scan(&sum.Count, &sum.TotalAmount); err != nil {
		return ActivitySummary{}, err
	}
	return sum, nil
}

func (s *PostgresStore) CreateFraudCheck(ctx context.Context, c FraudCheck) error {
	const q = `
INSERT INTO fraud_checks (id, transaction_id, user_id, risk_score, risk_level, status,
	rules_triggered, device_fingerprint, ip_address, user_agent, geolocation,
	velocity_count_24h, velocity_amount_24h, velocity_risk_score, velocity_exceeds_limit,
	decision_reason, reviewed_by, reviewed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.TransactionID, c.UserID, c.RiskScore, string(c.RiskLevel), string(c.Status),
		marshalList(c.RulesTriggered), c.DeviceFingerprint, c.IPAddress, c.UserAgent, c.Geolocation,
		c.Velocity.Count24h, c.Velocity.Amount24h, c.Velocity.RiskScore, c.Velocity.ExceedsLimit,
		c.DecisionReason, nullStr(c.ReviewedBy), nullTime(c.ReviewedAt), c.CreatedAt, c.UpdatedAt)
	return err
}

const fraudCheckColumns = `
id, transaction_id, user_id, risk_score, risk_level, status,
rules_triggered, device_fingerprint, ip_address, user_agent, geolocation,
velocity_count_24h, velocity_amount_24h, velocity_risk_score, velocity_exceeds_limit,
decision_reason, reviewed_by, reviewed_at, created_at, updated_at`

func scanFraudCheck(row interface{ Scan(...any) error }) (FraudCheck, error) {
	var c FraudCheck
	var rules []byte
	var reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.TransactionID, &c.UserID, &c.RiskScore, &c.RiskLevel, &c.Status,
		&rules, &c.DeviceFingerprint, &c.IPAddress, &c.UserAgent, &c.Geolocation,
		&c.Velocity.Count24h, &c.Velocity.Amount24h, &c.Velocity.RiskScore, &c.Velocity.ExceedsLimit,
		&c.DecisionReason, &reviewedBy, &reviewedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return FraudCheck{}, err
	}
	c.RulesTriggered = unmarshalList(rules)
	c.ReviewedBy = reviewedBy.String
	c.ReviewedAt = timePtr(reviewedAt)
	return c, nil
}

func (s *PostgresStore) FraudCheck(ctx context.Context, id string) (FraudCheck, error) {
	c, err := scanFraudCheck(s.db.QueryRowContext(ctx,
		`SELECT `+fraudCheckColumns+` FROM fraud_checks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return FraudCheck{}, ErrCheckNotFound
	}
	return c, err
}

func (s *PostgresStore) UpdateFraudCheck(ctx context.Context, c FraudCheck) error {
	const q = `
UPDATE fraud_checks
SET status = $2, decision_reason = $3, reviewed_by = $4, reviewed_at = $5, updated_at = $6
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		c.ID, string(c.Status), c.DecisionReason, nullStr(c.ReviewedBy), nullTime(c.ReviewedAt), c.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCheckNotFound
	}
	return nil
}

func (s *PostgresStore) PendingFraudChecks(ctx context.Context, limit int) ([]FraudCheck, error) {
	q := `SELECT ` + fraudCheckColumns + `
FROM fraud_checks
WHERE status = 'pending' AND risk_level IN ('high', 'critical')
ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FraudCheck
	for rows.Next() {
		c, err := scanFraudCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateComplianceCheck(ctx context.Context, c ComplianceCheck) error {
	const q = `
INSERT INTO compliance_checks (id, transaction_id, user_id, check_type, status, flags,
	provider, decision_reason, reviewed_by, reviewed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.TransactionID, c.UserID, c.CheckType, string(c.Status), marshalList(c.Flags),
		c.Provider, c.DecisionReason, nullStr(c.ReviewedBy), nullTime(c.ReviewedAt), c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PostgresStore) ComplianceCheck(ctx context.Context, id string) (ComplianceCheck, error) {
	const q = `
SELECT id, transaction_id, user_id, check_type, status, flags,
	provider, decision_reason, reviewed_by, reviewed_at, created_at, updated_at
FROM compliance_checks WHERE id = $1
`
	var c ComplianceCheck
	var flags []byte
	var reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.TransactionID, &c.UserID, &c.CheckType, &c.Status, &flags,
		&c.Provider, &c.DecisionReason, &reviewedBy, &reviewedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ComplianceCheck{}, ErrCheckNotFound
	}
	if err != nil {
		return ComplianceCheck{}, err
	}
	c.Flags = unmarshalList(flags)
	c.ReviewedBy = reviewedBy.String
	c.ReviewedAt = timePtr(reviewedAt)
	return c, nil
}

func (s *PostgresStore) UpdateComplianceCheck(ctx context.Context, c ComplianceCheck) error {
	const q = `
UPDATE compliance_checks
SET status = $2, decision_reason = $3, reviewed_by = $4, reviewed_at = $5, updated_at = $6
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		c.ID, string(c.Status), c.DecisionReason, nullStr(c.ReviewedBy), nullTime(c.ReviewedAt), c.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCheckNotFound
	}
	return nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b SettlementBatch) error {
	const q = `
INSERT INTO settlement_batches (id, batch_number, status, total_amount, total_fees, currency,
	transaction_count, processed_count, failed_count, processed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := s.db.ExecContext(ctx, q,
		b.ID, b.BatchNumber, string(b.Status), b.TotalAmount, b.TotalFees, b.Currency,
		b.TransactionCount, b.ProcessedCount, b.FailedCount, nullTime(b.ProcessedAt), b.CreatedAt, b.UpdatedAt)
	return err
}

const batchColumns = `
id, batch_number, status, total_amount, total_fees, currency,
transaction_count, processed_count, failed_count, processed_at, created_at, updated_at`

func scanBatch(row interface{ Scan(...any) error }) (SettlementBatch, error) {
	var b SettlementBatch
	var processed sql.NullTime
	err := row.Scan(
		&b.ID, &b.BatchNumber, &b.Status, &b.TotalAmount, &b.TotalFees, &b.Currency,
		&b.TransactionCount, &b.ProcessedCount, &b.FailedCount, &processed, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return SettlementBatch{}, err
	}
	b.ProcessedAt = timePtr(processed)
	return b, nil
}

func (s *PostgresStore) Batch(ctx context.Context, id string) (SettlementBatch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SettlementBatch{}, ErrBatchNotFound
	}
	return b, err
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, b SettlementBatch) error {
	const q = `
UPDATE settlement_batches
SET status = $2, total_amount = $3, total_fees = $4, transaction_count = $5,
    processed_count = $6, failed_count = $7, processed_at = $8, updated_at = $9
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		b.ID, string(b.Status), b.TotalAmount, b.TotalFees, b.TransactionCount,
		b.ProcessedCount, b.FailedCount, nullTime(b.ProcessedAt), b.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, id string) (SettlementBatch, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_batches SET status = 'processing' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return SettlementBatch{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return SettlementBatch{}, err
	}
	if n == 0 {
		// Lost the compare-and-set or no such batch; re-read to tell apart.
		b, err := s.Batch(ctx, id)
		if err != nil {
			return SettlementBatch{}, err
		}
		return b, ErrBatchNotPending
	}
	return s.Batch(ctx, id)
}

func (s *PostgresStore) PendingBatches(ctx context.Context) ([]SettlementBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM settlement_batches WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SettlementBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, st Settlement) error {
	const q = `
INSERT INTO settlements (id, batch_id, transaction_id, account_id, amount, fee, net_amount,
	currency, status, settlement_reference, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := s.db.ExecContext(ctx, q,
		st.ID, st.BatchID, st.TransactionID, st.AccountID, st.Amount, st.Fee, st.NetAmount,
		st.Currency, st.Status, st.SettlementReference, st.CreatedAt)
	return err
}

func (s *PostgresStore) SettlementsByBatch(ctx context.Context, batchID string) ([]Settlement, error) {
	const q = `
SELECT id, batch_id, transaction_id, account_id, amount, fee, net_amount,
	currency, status, settlement_reference, created_at
FROM settlements WHERE batch_id = $1 ORDER BY id
`
	rows, err := s.db.QueryContext(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Settlement
	for rows.Next() {
		var st Settlement
		if err := rows.Scan(&st.ID, &st.BatchID, &st.TransactionID, &st.AccountID,
			&st.Amount, &st.Fee, &st.NetAmount, &st.Currency, &st.Status,
			&st.SettlementReference, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SettleableTransactions(ctx context.Context, currency string, limit int) ([]Transaction, error) {
	const q = `SELECT ` + transactionColumns + `
FROM transactions
WHERE status = 'completed' AND settlement_id IS NULL AND currency = $1
ORDER BY created_at
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimSettlement is the exactly-once guard for batching: the UPDATE only
// lands while settlement_id is still NULL.
func (s *PostgresStore) ClaimSettlement(ctx context.Context, transactionID, settlementID string) (bool, error) {
	const q = `
UPDATE transactions SET settlement_id = $2, updated_at = NOW()
WHERE id = $1 AND status = 'completed' AND settlement_id IS NULL
`
	res, err := s.db.ExecContext(ctx, q, transactionID, settlementID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p Payment) error {
	const q = `
INSERT INTO payments (id, transaction_id, account_id, user_id, amount, currency, gateway,
	gateway_transaction_id, status, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.TransactionID, p.AccountID, p.UserID, p.Amount, p.Currency, p.Gateway,
		nullStr(p.GatewayTransactionID), string(p.Status), p.FailureReason, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PostgresStore) PaymentByGatewayRef(ctx context.Context, gatewayTransactionID string) (Payment, error) {
	const q = `
SELECT id, transaction_id, account_id, user_id, amount, currency, gateway,
	gateway_transaction_id, status, failure_reason, created_at, updated_at
FROM payments WHERE gateway_transaction_id = $1
`
	var p Payment
	var gwRef sql.NullString
	err := s.db.QueryRowContext(ctx, q, gatewayTransactionID).Scan(
		&p.ID, &p.TransactionID, &p.AccountID, &p.UserID, &p.Amount, &p.Currency, &p.Gateway,
		&gwRef, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrTransactionNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	p.GatewayTransactionID = gwRef.String
	return p, nil
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, p Payment) error {
	const q = `
UPDATE payments
SET gateway_transaction_id = $2, status = $3, failure_reason = $4, updated_at = $5
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		p.ID, nullStr(p.GatewayTransactionID), string(p.Status), p.FailureReason, p.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
