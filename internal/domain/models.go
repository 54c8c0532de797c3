package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Actor struct {
	ID       string `json:"id"`
	BranchID string `json:"branch_id"`
	Role     string `json:"role"`
}

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

type RateKind string

const (
	RateKindGold         RateKind = "gold"
	RateKindMakingCharge RateKind = "making_charge"
	RateKindTax          RateKind = "tax"
)

func (k RateKind) Valid() bool {
	switch k {
	case RateKindGold, RateKindMakingCharge, RateKindTax:
		return true
	default:
		return false
	}
}

type ValueKind string

const (
	ValuePercentage   ValueKind = "percentage"
	ValueFixedPerUnit ValueKind = "fixed_per_unit"
)

func (k ValueKind) Valid() bool {
	return k == ValuePercentage || k == ValueFixedPerUnit
}

// VersionedRate is one row of an append-only temporal rate table. Once
// superseded a row only ever gets EffectiveTo set and IsCurrent cleared.
type VersionedRate struct {
	ID            string          `json:"id"`
	Kind          RateKind        `json:"kind"`
	ScopeKey      string          `json:"scope_key"`
	Label         string          `json:"label,omitempty"`
	Value         decimal.Decimal `json:"value"`
	ValueKind     ValueKind       `json:"value_kind"`
	DisplayOrder  int             `json:"display_order"`
	Mandatory     bool            `json:"mandatory"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	IsCurrent     bool            `json:"is_current"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Covers reports whether the row's effective window contains at.
func (r VersionedRate) Covers(at time.Time) bool {
	if r.EffectiveFrom.After(at) {
		return false
	}
	return r.EffectiveTo == nil || !r.EffectiveTo.Before(at)
}

// MakingChargeScope builds the scope key for a making-charge rule.
func MakingChargeScope(category string, subCategory string) string {
	if subCategory == "" {
		return category
	}
	return category + "/" + subCategory
}

type RateUpdate struct {
	Kind          RateKind        `json:"kind"`
	ScopeKey      string          `json:"scope_key"`
	Label         string          `json:"label,omitempty"`
	Value         decimal.Decimal `json:"value"`
	ValueKind     ValueKind       `json:"value_kind"`
	DisplayOrder  int             `json:"display_order"`
	Mandatory     bool            `json:"mandatory"`
	EffectiveFrom time.Time       `json:"effective_from"`
}

type RateUpdateResult struct {
	Closed   []VersionedRate `json:"closed"`
	Inserted []VersionedRate `json:"inserted"`
}

type Product struct {
	ID                      string          `json:"id"`
	Code                    string          `json:"code"`
	Name                    string          `json:"name"`
	Weight                  decimal.Decimal `json:"weight"`
	KaratType               string          `json:"karat_type"`
	CategoryType            string          `json:"category_type"`
	SubCategory             string          `json:"sub_category,omitempty"`
	MakingChargesApplicable bool            `json:"making_charges_applicable"`
	Active                  bool            `json:"active"`
}

type Customer struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	DiscountPercent    decimal.Decimal `json:"discount_percent"`
	MakingChargeWaiver bool            `json:"making_charge_waiver"`
}

type RateRef struct {
	ID            string          `json:"id"`
	ScopeKey      string          `json:"scope_key"`
	Value         decimal.Decimal `json:"value"`
	ValueKind     ValueKind       `json:"value_kind"`
	EffectiveFrom time.Time       `json:"effective_from"`
}

func RefOf(r VersionedRate) RateRef {
	return RateRef{
		ID:            r.ID,
		ScopeKey:      r.ScopeKey,
		Value:         r.Value,
		ValueKind:     r.ValueKind,
		EffectiveFrom: r.EffectiveFrom,
	}
}

type RatesUsed struct {
	GoldRate     RateRef   `json:"gold_rate"`
	MakingCharge *RateRef  `json:"making_charge,omitempty"`
	TaxRules     []RateRef `json:"tax_rules"`
}

type TaxLine struct {
	RateID    string          `json:"rate_id"`
	Code      string          `json:"code"`
	Label     string          `json:"label,omitempty"`
	Rate      decimal.Decimal `json:"rate"`
	ValueKind ValueKind       `json:"value_kind"`
	Amount    decimal.Decimal `json:"amount"`
}

// PriceBreakdown is produced fresh per pricing call and never cached.
type PriceBreakdown struct {
	ProductID           string          `json:"product_id"`
	Quantity            int             `json:"quantity"`
	TotalWeight         decimal.Decimal `json:"total_weight"`
	GoldRate            decimal.Decimal `json:"gold_rate"`
	GoldValue           decimal.Decimal `json:"gold_value"`
	MakingChargesAmount decimal.Decimal `json:"making_charges_amount"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	DiscountAmount      decimal.Decimal `json:"discount_amount"`
	TaxableAmount       decimal.Decimal `json:"taxable_amount"`
	TaxLines            []TaxLine       `json:"tax_lines"`
	TotalTax            decimal.Decimal `json:"total_tax"`
	FinalTotal          decimal.Decimal `json:"final_total"`
	RatesUsed           RatesUsed       `json:"rates_used"`
	PricedAt            time.Time       `json:"priced_at"`
	Warnings            []string        `json:"warnings,omitempty"`
}

// Negate flips the sign of every amount and of the quantity. Rates and
// weights per unit are kept so the reversal shows what was originally used.
func (b PriceBreakdown) Negate() PriceBreakdown {
	out := b
	out.Quantity = -b.Quantity
	out.TotalWeight = b.TotalWeight.Neg()
	out.GoldValue = b.GoldValue.Neg()
	out.MakingChargesAmount = b.MakingChargesAmount.Neg()
	out.Subtotal = b.Subtotal.Neg()
	out.DiscountAmount = b.DiscountAmount.Neg()
	out.TaxableAmount = b.TaxableAmount.Neg()
	out.TotalTax = b.TotalTax.Neg()
	out.FinalTotal = b.FinalTotal.Neg()
	out.TaxLines = make([]TaxLine, len(b.TaxLines))
	for i, line := range b.TaxLines {
		line.Amount = line.Amount.Neg()
		out.TaxLines[i] = line
	}
	out.Warnings = nil
	return out
}

type TransactionType string

const (
	TxTypeSale   TransactionType = "sale"
	TxTypeReturn TransactionType = "return"
	TxTypeRepair TransactionType = "repair"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxTypeSale, TxTypeReturn, TxTypeRepair:
		return true
	default:
		return false
	}
}

// NumberPrefix is the human-readable series prefix for the type.
func (t TransactionType) NumberPrefix() string {
	switch t {
	case TxTypeReturn:
		return "RTN"
	case TxTypeRepair:
		return "RPR"
	default:
		return "SAL"
	}
}

// ConsumesStock reports whether committing a transaction of this type
// removes stock from the branch.
func (t TransactionType) ConsumesStock() bool {
	return t == TxTypeSale || t == TxTypeRepair
}

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusVoided    TransactionStatus = "voided"
	TxStatusReversed  TransactionStatus = "reversed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxStatusVoided, TxStatusReversed, TxStatusCancelled:
		return true
	default:
		return false
	}
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
)

type TransactionLine struct {
	LineNo      int             `json:"line_no"`
	ProductID   string          `json:"product_id"`
	ProductCode string          `json:"product_code"`
	Quantity    int             `json:"quantity"`
	Weight      decimal.Decimal `json:"weight"`
	Breakdown   PriceBreakdown  `json:"breakdown"`
}

type Transaction struct {
	ID             string            `json:"id"`
	Number         string            `json:"number"`
	BranchID       string            `json:"branch_id"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	CustomerID     string            `json:"customer_id,omitempty"`
	PaymentMethod  string            `json:"payment_method,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Items          []TransactionLine `json:"items"`
	LabourCharge   decimal.Decimal   `json:"labour_charge"`
	AmountDue      decimal.Decimal   `json:"amount_due"`
	AmountPaid     decimal.Decimal   `json:"amount_paid"`
	ChangeGiven    decimal.Decimal   `json:"change_given"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	VoidedBy       string            `json:"voided_by,omitempty"`
	VoidReason     string            `json:"void_reason,omitempty"`
	VoidedAt       *time.Time        `json:"voided_at,omitempty"`
	CancelledBy    string            `json:"cancelled_by,omitempty"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	ApprovedBy     string            `json:"approved_by,omitempty"`
	ReversalOfID   string            `json:"reversal_of_id,omitempty"`
	ReversedByID   string            `json:"reversed_by_id,omitempty"`
}

// EffectiveStatus reports Reversed for a completed original that already
// has a linked reversal; the persisted status stays completed.
func (t Transaction) EffectiveStatus() TransactionStatus {
	if t.Status == TxStatusCompleted && t.ReversedByID != "" {
		return TxStatusReversed
	}
	return t.Status
}

func (t Transaction) IsReversal() bool {
	return t.ReversalOfID != ""
}

type InventoryRecord struct {
	ProductID      string          `json:"product_id"`
	BranchID       string          `json:"branch_id"`
	QuantityOnHand int             `json:"quantity_on_hand"`
	WeightOnHand   decimal.Decimal `json:"weight_on_hand"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type MovementType string

const (
	MovementSale          MovementType = "sale"
	MovementReturn        MovementType = "return"
	MovementRepairConsume MovementType = "repair-consume"
	MovementTransferIn    MovementType = "transfer-in"
	MovementTransferOut   MovementType = "transfer-out"
	MovementAdjustment    MovementType = "adjustment"
	MovementVoid          MovementType = "void"
	MovementCancel        MovementType = "cancel"
	MovementReversal      MovementType = "reversal"
)

type InventoryMovement struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"product_id"`
	BranchID        string          `json:"branch_id"`
	QuantityDelta   int             `json:"quantity_delta"`
	WeightDelta     decimal.Decimal `json:"weight_delta"`
	MovementType    MovementType    `json:"movement_type"`
	ReferenceNumber string          `json:"reference_number"`
	PerformedBy     string          `json:"performed_by"`
	PerformedAt     time.Time       `json:"performed_at"`
	Note            string          `json:"note,omitempty"`
}

type LedgerCheck struct {
	ProductID      string          `json:"product_id"`
	BranchID       string          `json:"branch_id"`
	RecordQuantity int             `json:"record_quantity"`
	RecordWeight   decimal.Decimal `json:"record_weight"`
	LedgerQuantity int             `json:"ledger_quantity"`
	LedgerWeight   decimal.Decimal `json:"ledger_weight"`
	Movements      int             `json:"movements"`
	Balanced       bool            `json:"balanced"`
}

type AdjustmentRequest struct {
	ProductID     string          `json:"product_id"`
	BranchID      string          `json:"branch_id"`
	QuantityDelta int             `json:"quantity_delta"`
	WeightDelta   decimal.Decimal `json:"weight_delta"`
	Reason        string          `json:"reason"`
}

type TransferRequest struct {
	ProductID    string          `json:"product_id"`
	FromBranchID string          `json:"from_branch_id"`
	ToBranchID   string          `json:"to_branch_id"`
	Quantity     int             `json:"quantity"`
	Weight       decimal.Decimal `json:"weight"`
	Note         string          `json:"note,omitempty"`
}

type LineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Payment struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

type SaleRequest struct {
	BranchID       string        `json:"branch_id"`
	CustomerID     string        `json:"customer_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Items          []LineRequest `json:"items"`
	Payment        Payment       `json:"payment"`
	Hold           bool          `json:"hold"`
}

type ReturnRequest struct {
	BranchID       string        `json:"branch_id"`
	CustomerID     string        `json:"customer_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Items          []LineRequest `json:"items"`
	Payment        Payment       `json:"payment"`
	Reason         string        `json:"reason,omitempty"`
}

type RepairRequest struct {
	BranchID       string          `json:"branch_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Materials      []LineRequest   `json:"materials"`
	LabourCharge   decimal.Decimal `json:"labour_charge"`
	Payment        Payment         `json:"payment"`
}

// QuoteRequest prices at AsOf when it is set, otherwise at the current
// instant.
type QuoteRequest struct {
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	CustomerID string    `json:"customer_id,omitempty"`
	AsOf       time.Time `json:"as_of,omitempty"`
}

type CompleteRequest struct {
	TransactionID string  `json:"transaction_id"`
	Payment       Payment `json:"payment"`
}

// VoidRequest carries the optional approver used when the void policy asks
// for a second identity.
type VoidRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	ApproverID    string `json:"approver_id,omitempty"`
	ApproverPIN   string `json:"approver_pin,omitempty"`
}

type ReverseRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	ApproverID    string `json:"approver_id"`
	ApproverPIN   string `json:"approver_pin"`
}

type CancelRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
}

// TransactionResult carries enough data for a caller to render a receipt.
type TransactionResult struct {
	Success           bool             `json:"success"`
	TransactionID     string           `json:"transaction_id,omitempty"`
	TransactionNumber string           `json:"transaction_number,omitempty"`
	Status            string           `json:"status,omitempty"`
	Breakdown         []PriceBreakdown `json:"breakdown,omitempty"`
	AmountDue         decimal.Decimal  `json:"amount_due"`
	AmountPaid        decimal.Decimal  `json:"amount_paid"`
	ChangeGiven       decimal.Decimal  `json:"change_given"`
	Duplicate         bool             `json:"duplicate,omitempty"`
	Error             *ResultError     `json:"error,omitempty"`
}

type AuditLog struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branch_id"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Description string    `json:"description"`
	OldValue    string    `json:"old_value,omitempty"`
	NewValue    string    `json:"new_value,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID              string
	BranchID        string
	Role            string
	PasswordHash    string
	ApprovalPINHash string
	Active          bool
	CreatedAt       time.Time
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id"`
	ExpiresAt   string `json:"expires_at"`
}
