package db

import "time"

// Exchange kinds an account can be bound to.
const (
	ExchangeBinanceUSDT = "binance-usdtfut"
	ExchangeOKXSwap     = "okx-swap"
	ExchangePaper       = "paper"
)

// Order statuses.
const (
	OrderPending   = "PENDING"
	OrderSubmitted = "SUBMITTED"
	OrderRetrying  = "RETRYING"
	OrderFilled    = "FILLED"
	OrderRejected  = "REJECTED"
	OrderFailed    = "FAILED"
)

// Position statuses.
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Account binds an exchange credential bundle to a strategy.
type Account struct {
	ID                   string     `db:"id" json:"id"`
	ExchangeKind         string     `db:"exchange_kind" json:"exchange_kind"`
	Sandbox              bool       `db:"sandbox" json:"sandbox"`
	CredentialsEncrypted string     `db:"credentials_encrypted" json:"-"`
	Active               bool       `db:"active" json:"active"`
	StrategyID           string     `db:"strategy_id" json:"strategy_id"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	DeletedAt            *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Webhook is an inbound alert endpoint owned by one account.
type Webhook struct {
	ID              string    `db:"id" json:"id"`
	AccountID       string    `db:"account_id" json:"account_id"`
	SecretEncrypted string    `db:"secret_encrypted" json:"-"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// StrategyRecord is a named strategy configuration serialized as JSON.
type StrategyRecord struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Config    string    `db:"config" json:"config"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Decision is the persisted ensemble verdict for one signal.
type Decision struct {
	SignalHash          string    `db:"signal_hash" json:"signal_hash"`
	AccountID           string    `db:"account_id" json:"account_id"`
	Symbol              string    `db:"symbol" json:"symbol"`
	Action              string    `db:"action" json:"action"`
	CombinedProbability float64   `db:"combined_probability" json:"combined_probability"`
	Confidence          float64   `db:"confidence" json:"confidence"`
	Agreement           float64   `db:"agreement" json:"agreement"`
	Admit               bool      `db:"admit" json:"admit"`
	Reason              string    `db:"reason" json:"reason"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// Order is the persisted state of one idempotent order attempt chain.
type Order struct {
	ID              string    `db:"id" json:"id"`
	IdempotencyKey  string    `db:"idempotency_key" json:"idempotency_key"`
	SignalHash      string    `db:"signal_hash" json:"signal_hash"`
	AccountID       string    `db:"account_id" json:"account_id"`
	Symbol          string    `db:"symbol" json:"symbol"`
	Side            string    `db:"side" json:"side"`
	Type            string    `db:"type" json:"type"`
	Quantity        float64   `db:"quantity" json:"quantity"`
	ReduceOnly      bool      `db:"reduce_only" json:"reduce_only"`
	Leverage        int       `db:"leverage" json:"leverage"`
	Attempts        int       `db:"attempts" json:"attempts"`
	Status          string    `db:"status" json:"status"`
	ExchangeOrderID string    `db:"exchange_order_id" json:"exchange_order_id"`
	ClientOrderID   string    `db:"client_order_id" json:"client_order_id"`
	AvgPrice        float64   `db:"avg_price" json:"avg_price"`
	FilledQty       float64   `db:"filled_qty" json:"filled_qty"`
	LastError       string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether no further transitions are possible.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderFilled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// Position is open or closed exposure on one pair.
type Position struct {
	ID                string     `db:"id" json:"id"`
	AccountID         string     `db:"account_id" json:"account_id"`
	Symbol            string     `db:"symbol" json:"symbol"`
	Side              string     `db:"side" json:"side"`
	EntryPrice        float64    `db:"entry_price" json:"entry_price"`
	Quantity          float64    `db:"quantity" json:"quantity"`
	Leverage          int        `db:"leverage" json:"leverage"`
	StopLoss          float64    `db:"stop_loss" json:"stop_loss"`
	TakeProfit        float64    `db:"take_profit" json:"take_profit"`
	StopOrderID       string     `db:"stop_order_id" json:"stop_order_id,omitempty"`
	TakeProfitOrderID string     `db:"take_profit_order_id" json:"take_profit_order_id,omitempty"`
	Status            string     `db:"status" json:"status"`
	OpenedAt          time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt          *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CloseReason       string     `db:"close_reason" json:"close_reason,omitempty"`
	ExitPrice         float64    `db:"exit_price" json:"exit_price,omitempty"`
}

// AuditEntry records the outcome of every inbound signal, admitted or not.
type AuditEntry struct {
	ID          string    `db:"id" json:"id"`
	WebhookID   string    `db:"webhook_id" json:"webhook_id"`
	Outcome     string    `db:"outcome" json:"outcome"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	PayloadHash string    `db:"payload_hash" json:"payload_hash,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// PositionChange is the position side effect applied together with a filled
// order. At most one of Open and CloseID is set.
type PositionChange struct {
	Open        *Position
	CloseID     string
	CloseReason string
	ExitPrice   float64
	At          time.Time
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	AccountID string
	Status    string
	Limit     int
}
