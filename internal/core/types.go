// Package core defines the shared types and interfaces of the execution engine
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the net direction of a position
type Side int8

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// SideForQuantity derives the position side from a signed contract quantity
func SideForQuantity(qty int64) Side {
	switch {
	case qty > 0:
		return SideLong
	case qty < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// OrderSide is the direction of an individual order
type OrderSide int8

const (
	OrderSideBuy OrderSide = iota
	OrderSideSell
)

func (s OrderSide) String() string {
	if s == OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

// OrderType distinguishes immediate-execution from resting orders
type OrderType int8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderPurpose classifies why an order is being placed
type OrderPurpose int8

const (
	PurposeEntry OrderPurpose = iota
	PurposeTakeProfit
	PurposeStopLoss
	PurposeDCAEntry
	PurposeExit
)

func (p OrderPurpose) String() string {
	switch p {
	case PurposeTakeProfit:
		return "TAKE_PROFIT"
	case PurposeStopLoss:
		return "STOP_LOSS"
	case PurposeDCAEntry:
		return "DCA_ENTRY"
	case PurposeExit:
		return "EXIT"
	default:
		return "ENTRY"
	}
}

// ExitState is the per-position exit controller state
type ExitState int8

const (
	ExitIdle ExitState = iota
	ExitPrepare
	ExitWorking
	ExitConfirmFlat
)

func (s ExitState) String() string {
	switch s {
	case ExitPrepare:
		return "PREPARE_EXIT"
	case ExitWorking:
		return "WORKING_EXIT"
	case ExitConfirmFlat:
		return "CONFIRM_FLAT"
	default:
		return "IDLE"
	}
}

// FillRole classifies a fill within the position lifecycle
type FillRole int8

const (
	RoleEntry FillRole = iota
	RoleExit
	RoleDCA
)

func (r FillRole) String() string {
	switch r {
	case RoleExit:
		return "EXIT"
	case RoleDCA:
		return "DCA"
	default:
		return "ENTRY"
	}
}

// Fill is an immutable execution record. The Position is a pure function of
// its ordered fill sequence; the fill log is the source of truth.
type Fill struct {
	OrderID   string
	AccountID string
	Symbol    string
	Side      OrderSide
	Quantity  int64 // always positive; Side carries direction
	Price     decimal.Decimal
	Timestamp time.Time
	Role      FillRole
}

// SignedQuantity returns the fill's effect on the net position
func (f Fill) SignedQuantity() int64 {
	if f.Side == OrderSideSell {
		return -f.Quantity
	}
	return f.Quantity
}

// Position is the derived cache over the fill log for one (account, symbol)
type Position struct {
	AccountID string
	Symbol    string

	Side              Side
	Quantity          int64 // signed, net of all fills
	AverageEntryPrice decimal.Decimal

	OpenedAt time.Time
	ClosedAt time.Time

	RealizedPnL        decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	WorstUnrealizedPnL decimal.Decimal

	// DCAFiredRungs must survive restarts; losing it re-evaluates old price
	// levels and double-triggers scale-ins.
	DCAFiredRungs map[int]bool

	// TakeProfitOrderID tracks the resting protective order so DCA can
	// cancel/replace it after a scale-in.
	TakeProfitOrderID string

	ExitState ExitState

	LastError string
}

// Key returns the dispatch key for this position
func (p *Position) Key() string {
	return PositionKey(p.AccountID, p.Symbol)
}

// IsFlat reports whether the position holds no contracts
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// Clone returns a deep copy safe to hand across goroutine boundaries
func (p *Position) Clone() *Position {
	cp := *p
	cp.DCAFiredRungs = make(map[int]bool, len(p.DCAFiredRungs))
	for k, v := range p.DCAFiredRungs {
		cp.DCAFiredRungs[k] = v
	}
	return &cp
}

// PositionKey builds the canonical (account, symbol) key
func PositionKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

// OrderIntent describes an order before it reaches the broker
type OrderIntent struct {
	AccountID     string
	Symbol        string
	Side          OrderSide
	Quantity      int64
	Type          OrderType
	Purpose       OrderPurpose
	Price         decimal.Decimal // limit orders only
	ClientOrderID string
}

// NewExitIntent builds a flattening intent. Exit-purpose orders are always
// market orders: a resting limit exit can be stranded when price gaps past
// it, leaving the engine flat while the broker still holds the position.
func NewExitIntent(accountID, symbol string, positionQty int64, clientOrderID string) OrderIntent {
	side := OrderSideSell
	qty := positionQty
	if positionQty < 0 {
		side = OrderSideBuy
		qty = -positionQty
	}
	return OrderIntent{
		AccountID:     accountID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Type:          OrderTypeMarket,
		Purpose:       PurposeExit,
		ClientOrderID: clientOrderID,
	}
}

// BrokerPosition is the broker's authoritative view of a position
type BrokerPosition struct {
	AccountID string
	Symbol    string
	Quantity  int64
	Side      Side
}

// BrokerEventType enumerates push events from the broker stream
type BrokerEventType int8

const (
	EventFill BrokerEventType = iota
	EventPositionSnapshot
	EventOrderRejected
)

func (t BrokerEventType) String() string {
	switch t {
	case EventPositionSnapshot:
		return "POSITION_SNAPSHOT"
	case EventOrderRejected:
		return "ORDER_REJECTED"
	default:
		return "FILL"
	}
}

// BrokerEvent is one message from the broker push stream
type BrokerEvent struct {
	Type      BrokerEventType
	AccountID string
	Symbol    string

	Fill *Fill // EventFill

	SnapshotQuantity int64 // EventPositionSnapshot

	OrderID      string // EventOrderRejected
	RejectReason string

	ReceivedAt time.Time
}

// DriftRecord captures a divergence between the virtual and broker position
type DriftRecord struct {
	ID              int64
	AccountID       string
	Symbol          string
	VirtualQuantity int64
	BrokerQuantity  int64
	DetectedAt      time.Time
	Resolution      string
	ResolvedAt      time.Time
}

// Resolved reports whether the drift has been corrected
func (d *DriftRecord) Resolved() bool {
	return d.Resolution != ""
}

// Tick is one pushed price update
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Bar is a fixed-interval aggregation of ticks, used for ATR
type Bar struct {
	Symbol   string
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Start    time.Time
	IsClosed bool
}

// DCATriggerMode selects the unit of adverse-excursion measurement
type DCATriggerMode int8

const (
	TriggerTicks DCATriggerMode = iota
	TriggerPercent
	TriggerATR
)

func (m DCATriggerMode) String() string {
	switch m {
	case TriggerPercent:
		return "PERCENT"
	case TriggerATR:
		return "ATR"
	default:
		return "TICKS"
	}
}

// ParseDCATriggerMode parses a config string into a trigger mode
func ParseDCATriggerMode(s string) (DCATriggerMode, error) {
	switch s {
	case "TICKS", "ticks":
		return TriggerTicks, nil
	case "PERCENT", "percent":
		return TriggerPercent, nil
	case "ATR", "atr":
		return TriggerATR, nil
	default:
		return TriggerTicks, fmt.Errorf("invalid dca trigger mode: %q", s)
	}
}

// DCARung is one configured scale-in level
type DCARung struct {
	Distance decimal.Decimal // in trigger-mode units, adverse direction
	Quantity int64
}

// DCAConfig configures scale-in behaviour for one (account, symbol)
type DCAConfig struct {
	Mode        DCATriggerMode
	Rungs       []DCARung
	MaxQuantity int64
}

// PositionStatus is the full status view returned to the ingestion layer
type PositionStatus struct {
	Position      *Position
	ExitState     ExitState
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Halted        bool
	HaltReason    string
	DriftRecords  []DriftRecord
}
