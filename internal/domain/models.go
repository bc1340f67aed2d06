package domain

import "time"

// Product is the catalog entry for a single barcode. Stock is fractional to
// support weight-sold items (e.g. 1.250 kg). UpdatedAt is a unix-millisecond
// logical clock used for last-write-wins reconciliation with the cloud catalog.
type Product struct {
	Barcode            string     `json:"barcode"`
	Name               string     `json:"name"`
	Category           string     `json:"category"`
	PurchasePriceCents int64      `json:"purchase_price_cents"`
	SalePriceCents     int64      `json:"sale_price_cents"`
	ExpiryDate         *time.Time `json:"expiry_date,omitempty"`
	Stock              float64    `json:"stock"`
	SoldByWeight       bool       `json:"sold_by_weight"`
	ImageRef           string     `json:"image_ref,omitempty"`
	UpdatedAt          int64      `json:"updated_at"`
}

type CartLine struct {
	Barcode        string  `json:"barcode"`
	Name           string  `json:"name"`
	Qty            float64 `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
}

type RecordSaleRequest struct {
	PaymentMethod       string     `json:"payment_method"`
	CashReceivedCents   int64      `json:"cash_received_cents"`
	DiscountCents       int64      `json:"discount_cents"`
	TaxCents            int64      `json:"tax_cents"`
	Notes               string     `json:"notes"`
	TransferReceiptURI  string     `json:"transfer_receipt_uri,omitempty"`
	TransferReceiptName string     `json:"transfer_receipt_name,omitempty"`
	Operator            string     `json:"operator,omitempty"`
	Items               []CartLine `json:"items"`
}

type SaleItem struct {
	SaleID         string  `json:"sale_id,omitempty"`
	Barcode        string  `json:"barcode"`
	Name           string  `json:"name"`
	Qty            float64 `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	SubtotalCents  int64   `json:"subtotal_cents"`
}

// Sale is never hard-deleted. After creation the only permitted mutations are
// attaching a transfer receipt, marking it voided, and marking it synced.
type Sale struct {
	ID                  string     `json:"id"`
	ClientSaleID        string     `json:"client_sale_id"`
	CreatedAt           time.Time  `json:"created_at"`
	TotalCents          int64      `json:"total_cents"`
	PaymentMethod       string     `json:"payment_method"`
	CashReceivedCents   int64      `json:"cash_received_cents"`
	ChangeCents         int64      `json:"change_cents"`
	DiscountCents       int64      `json:"discount_cents"`
	TaxCents            int64      `json:"tax_cents"`
	Notes               string     `json:"notes,omitempty"`
	TransferReceiptURI  string     `json:"transfer_receipt_uri,omitempty"`
	TransferReceiptName string     `json:"transfer_receipt_name,omitempty"`
	Voided              bool       `json:"voided"`
	Synced              bool       `json:"synced"`
	CloudID             string     `json:"cloud_id,omitempty"`
	Items               []SaleItem `json:"items"`
}

// SalePayload is the wire snapshot queued in the outbox and pushed to the
// cloud store. The dispatcher enriches mutable fields (receipt, void flag)
// from the parent sale row before sending, so a stale snapshot cannot drift.
type SalePayload struct {
	ClientSaleID        string        `json:"client_sale_id"`
	StoreID             string        `json:"store_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	TotalCents          int64         `json:"total_cents"`
	PaymentMethod       string        `json:"payment_method"`
	CashReceivedCents   int64         `json:"cash_received_cents"`
	ChangeCents         int64         `json:"change_cents"`
	DiscountCents       int64         `json:"discount_cents"`
	TaxCents            int64         `json:"tax_cents"`
	Notes               string        `json:"notes,omitempty"`
	TransferReceiptURI  string        `json:"transfer_receipt_uri,omitempty"`
	TransferReceiptName string        `json:"transfer_receipt_name,omitempty"`
	Items               []PayloadItem `json:"items"`
}

type PayloadItem struct {
	Barcode        string  `json:"barcode"`
	Name           string  `json:"name"`
	Qty            float64 `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	SubtotalCents  int64   `json:"subtotal_cents"`
}

type OutboxEntry struct {
	ID           string      `json:"id"`
	LocalSaleID  string      `json:"local_sale_id"`
	ClientSaleID string      `json:"client_sale_id"`
	Payload      SalePayload `json:"payload"`
	Synced       bool        `json:"synced"`
	CloudSaleID  string      `json:"cloud_sale_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	SyncedAt     *time.Time  `json:"synced_at,omitempty"`
}

// CashSession tracks one cash-drawer shift. ExpectedCents, ActualCents and
// DifferenceCents are written exactly once, at close.
type CashSession struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	OpeningCents    int64      `json:"opening_cents"`
	ExpectedCents   int64      `json:"expected_cents"`
	ActualCents     int64      `json:"actual_cents"`
	DifferenceCents int64      `json:"difference_cents"`
	OpenedBy        string     `json:"opened_by"`
	ClosedBy        string     `json:"closed_by,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Status          string     `json:"status"`
}

type SessionOpenRequest struct {
	OpeningCents int64  `json:"opening_cents"`
	Operator     string `json:"operator"`
	Notes        string `json:"notes,omitempty"`
}

// CashCount is one per-denomination line counted at close. Counts are
// persisted as auxiliary rows and never feed the reconciliation arithmetic.
type CashCount struct {
	DenominationCents int64 `json:"denomination_cents"`
	Count             int   `json:"count"`
}

type SessionCloseRequest struct {
	SessionID         string      `json:"session_id"`
	ActualCents       int64       `json:"actual_cents"`
	NextDayFloatCents int64       `json:"next_day_float_cents"`
	Operator          string      `json:"operator"`
	Notes             string      `json:"notes,omitempty"`
	Counts            []CashCount `json:"counts,omitempty"`
}

type SessionCloseResult struct {
	ExpectedCents   int64 `json:"expected_cents"`
	ActualCents     int64 `json:"actual_cents"`
	DifferenceCents int64 `json:"difference_cents"`
	NextDayCents    int64 `json:"next_day_cents"`
	ToSafeCents     int64 `json:"to_safe_cents"`
}

// SafeMovement is an append-only entry in the safe ledger. The safe balance
// is always recomputed as sum(deposits) - sum(withdrawals), never stored.
type SafeMovement struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description"`
	SessionID   string    `json:"session_id,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type SafeMovementRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
	Operator    string `json:"operator"`
}

type SyncStats struct {
	Pushed int `json:"pushed"`
	Failed int `json:"failed"`
	Pulled int `json:"pulled"`
}

type OutboxStatus struct {
	Pending int           `json:"pending"`
	Preview []OutboxEntry `json:"preview,omitempty"`
}

const (
	PaymentCash     = "cash"
	PaymentDebit    = "debit"
	PaymentCredit   = "credit"
	PaymentTransfer = "transfer"
	PaymentUnset    = ""
)

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	SafeDeposit    = "deposit"
	SafeWithdrawal = "withdrawal"
)

// CashMethods are the payment methods that move physical drawer cash. Rows
// written by older clients carry "efectivo" or an empty method. Every
// consumer, including generated SQL, derives its set from this slice.
var CashMethods = []string{PaymentCash, PaymentUnset, "efectivo"}

// CashLike reports whether a payment method counts toward drawer cash.
func CashLike(method string) bool {
	for _, m := range CashMethods {
		if method == m {
			return true
		}
	}
	return false
}
