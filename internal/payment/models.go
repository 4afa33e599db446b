package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
	TypePayment    TransactionType = "payment"
	TypeRefund     TransactionType = "refund"
)

func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeTransfer, TypePayment, TypeRefund:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
	StatusReversed   TransactionStatus = "reversed"
	StatusRefunded   TransactionStatus = "refunded"
)

// transitions is the single source of truth for the transaction state
// machine. No transition skips pending; failed and cancelled are terminal.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusCompleted, StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusReversed, StatusRefunded},
}

func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

type Account struct {
	ID          string
	UserID      string
	AccountType string
	Status      AccountStatus
	Currency    string
	KYCVerified bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WalletType string

const (
	WalletMain    WalletType = "main"
	WalletEscrow  WalletType = "escrow"
	WalletReserve WalletType = "reserve"
)

// WalletKey identifies a wallet by (account, type, currency). Wallets are
// created lazily on first reference.
type WalletKey struct {
	AccountID  string
	WalletType WalletType
	Currency   string
}

func MainWallet(accountID, currency string) WalletKey {
	return WalletKey{AccountID: accountID, WalletType: WalletMain, Currency: currency}
}

func (k WalletKey) String() string {
	return k.AccountID + "/" + string(k.WalletType) + "/" + k.Currency
}

// Wallet balances satisfy Balance = Available + Frozen with both parts
// non-negative at all times. Only the Ledger mutates them.
type Wallet struct {
	ID        string
	Key       WalletKey
	Balance   decimal.Decimal
	Available decimal.Decimal
	Frozen    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Transaction struct {
	ID                   string
	AccountID            string
	UserID               string
	Type                 TransactionType
	Status               TransactionStatus
	Amount               decimal.Decimal
	Fee                  decimal.Decimal
	NetAmount            decimal.Decimal
	Currency             string
	Description          string
	ReferenceID          string
	ExternalReference    string
	SourceWalletID       string
	DestinationWalletID  string
	DestinationAccountID string
	PaymentID            string
	SettlementID         string
	FraudCheckID         string
	ComplianceCheckID    string
	ErrorMessage         string
	ProcessedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type FraudCheckStatus string

const (
	FraudPending  FraudCheckStatus = "pending"
	FraudApproved FraudCheckStatus = "approved"
	FraudRejected FraudCheckStatus = "rejected"
	FraudReview   FraudCheckStatus = "review"
)

// VelocitySnapshot records the trailing 24h activity observed at scoring
// time, kept for audit alongside the numeric score.
type VelocitySnapshot struct {
	Count24h     int
	Amount24h    decimal.Decimal
	RiskScore    float64
	ExceedsLimit bool
}

type FraudCheck struct {
	ID                string
	TransactionID     string
	UserID            string
	RiskScore         float64
	RiskLevel         RiskLevel
	Status            FraudCheckStatus
	RulesTriggered    []string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	Geolocation       string
	Velocity          VelocitySnapshot
	DecisionReason    string
	ReviewedBy        string
	ReviewedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ComplianceStatus string

const (
	CompliancePending ComplianceStatus = "pending"
	CompliancePassed  ComplianceStatus = "passed"
	ComplianceFailed  ComplianceStatus = "failed"
	ComplianceReview  ComplianceStatus = "review"
)

const (
	FlagAMLRisk        = "aml_risk"
	FlagSanctionsMatch = "sanctions_match"
)

type ComplianceCheck struct {
	ID             string
	TransactionID  string
	UserID         string
	CheckType      string
	Status         ComplianceStatus
	Flags          []string
	Provider       string
	DecisionReason string
	ReviewedBy     string
	ReviewedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

type SettlementBatch struct {
	ID               string
	BatchNumber      string
	Status           BatchStatus
	TotalAmount      decimal.Decimal
	TotalFees        decimal.Decimal
	Currency         string
	TransactionCount int
	ProcessedCount   int
	FailedCount      int
	ProcessedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Settlement snapshots the transaction's amounts at settlement time. Any
// divergence from the transaction afterwards is a bug the tests catch.
type Settlement struct {
	ID                  string
	BatchID             string
	TransactionID       string
	AccountID           string
	Amount              decimal.Decimal
	Fee                 decimal.Decimal
	NetAmount           decimal.Decimal
	Currency            string
	Status              string
	SettlementReference string
	CreatedAt           time.Time
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment tracks a gateway-mediated charge; the ledger mutation happens
// only when the gateway confirms, through the coordinator's completion
// path.
type Payment struct {
	ID                   string
	TransactionID        string
	AccountID            string
	UserID               string
	Amount               decimal.Decimal
	Currency             string
	Gateway              string
	GatewayTransactionID string
	Status               PaymentStatus
	FailureReason        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
