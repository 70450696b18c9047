package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CommandStatus is the lifecycle state of a TransactionCommand.
type CommandStatus string

const (
	CommandPending    CommandStatus = "PENDING"
	CommandProcessing CommandStatus = "PROCESSING"
	CommandCalculated CommandStatus = "CALCULATED"
	CommandFailed     CommandStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	return s == CommandCalculated || s == CommandFailed
}

// TransactionCommand asks for one rebalancing calculation.
// PENDING → PROCESSING → CALCULATED | FAILED; terminal commands never change.
type TransactionCommand struct {
	ID                string          `json:"id" db:"id"`
	Fund              Fund            `json:"fund" db:"fund"`
	Mode              TransactionMode `json:"mode" db:"mode"`
	AsOfDate          time.Time       `json:"as_of_date" db:"as_of_date"`
	ManualAdjustments map[string]any  `json:"manual_adjustments" db:"manual_adjustments"`
	Status            CommandStatus   `json:"status" db:"status"`
	BatchID           string          `json:"batch_id,omitempty" db:"batch_id"`
	ErrorMessage      string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// StartProcessing moves a PENDING command to PROCESSING.
func (c *TransactionCommand) StartProcessing() error {
	if c.Status != CommandPending {
		return fmt.Errorf("%w: command %s %s -> %s", ErrIllegalTransition, c.ID, c.Status, CommandProcessing)
	}
	c.Status = CommandProcessing
	return nil
}

// Complete moves a PROCESSING command to CALCULATED and links its batch.
func (c *TransactionCommand) Complete(batchID string, at time.Time) error {
	if c.Status != CommandProcessing {
		return fmt.Errorf("%w: command %s %s -> %s", ErrIllegalTransition, c.ID, c.Status, CommandCalculated)
	}
	c.Status = CommandCalculated
	c.BatchID = batchID
	c.ProcessedAt = &at
	return nil
}

// Fail moves a PROCESSING command to FAILED and records the reason.
func (c *TransactionCommand) Fail(message string, at time.Time) error {
	if c.Status != CommandProcessing {
		return fmt.Errorf("%w: command %s %s -> %s", ErrIllegalTransition, c.ID, c.Status, CommandFailed)
	}
	c.Status = CommandFailed
	c.ErrorMessage = message
	c.ProcessedAt = &at
	return nil
}

// BatchStatus is the lifecycle state of a TransactionBatch.
type BatchStatus string

const (
	BatchAwaitingConfirmation BatchStatus = "AWAITING_CONFIRMATION"
	BatchConfirmed            BatchStatus = "CONFIRMED"
	BatchSent                 BatchStatus = "SENT"
)

// TransactionBatch groups the orders produced by one command.
type TransactionBatch struct {
	ID        string         `json:"id" db:"id"`
	Fund      Fund           `json:"fund" db:"fund"`
	Status    BatchStatus    `json:"status" db:"status"`
	CreatedBy string         `json:"created_by" db:"created_by"`
	Metadata  map[string]any `json:"metadata" db:"metadata"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Confirm records external approval of an awaiting batch.
func (b *TransactionBatch) Confirm(at time.Time) error {
	if b.Status != BatchAwaitingConfirmation {
		return fmt.Errorf("%w: batch %s %s -> %s", ErrIllegalTransition, b.ID, b.Status, BatchConfirmed)
	}
	b.Status = BatchConfirmed
	b.UpdatedAt = at
	return nil
}

// MarkSent moves a confirmed batch to its terminal state.
func (b *TransactionBatch) MarkSent(at time.Time) error {
	if b.Status != BatchConfirmed {
		return fmt.Errorf("%w: batch %s %s -> %s", ErrIllegalTransition, b.ID, b.Status, BatchSent)
	}
	b.Status = BatchSent
	b.UpdatedAt = at
	return nil
}

// OrderStatus is the lifecycle state of a TransactionOrder.
type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderSent    OrderStatus = "SENT"
)

// TransactionOrder is one executable instruction inside a batch.
// Amount is always non-negative; Type carries the direction.
type TransactionOrder struct {
	ID                     string          `json:"id" db:"id"`
	BatchID                string          `json:"batch_id" db:"batch_id"`
	Fund                   Fund            `json:"fund" db:"fund"`
	ISIN                   string          `json:"isin" db:"isin"`
	Type                   TransactionType `json:"transaction_type" db:"transaction_type"`
	InstrumentType         InstrumentType  `json:"instrument_type" db:"instrument_type"`
	Amount                 decimal.Decimal `json:"order_amount" db:"order_amount"`
	Quantity               *int64          `json:"order_quantity,omitempty" db:"order_quantity"`
	Venue                  OrderVenue      `json:"order_venue" db:"order_venue"`
	OrderUUID              string          `json:"order_uuid" db:"order_uuid"`
	Status                 OrderStatus     `json:"order_status" db:"order_status"`
	OrderTimestamp         *time.Time      `json:"order_timestamp,omitempty" db:"order_timestamp"`
	ExpectedSettlementDate *time.Time      `json:"expected_settlement_date,omitempty" db:"expected_settlement_date"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
}

// MarkSent stamps the order as handed to its venue.
func (o *TransactionOrder) MarkSent(at, settlementDate time.Time) error {
	if o.Status != OrderPending {
		return fmt.Errorf("%w: order %s %s -> %s", ErrIllegalTransition, o.ID, o.Status, OrderSent)
	}
	o.OrderTimestamp = &at
	o.ExpectedSettlementDate = &settlementDate
	o.Status = OrderSent
	return nil
}

// Audit event types.
const (
	EventCalculationCompleted = "CALCULATION_COMPLETED"
	EventBatchConfirmed       = "BATCH_CONFIRMED"
	EventBatchFinalized       = "BATCH_FINALIZED"
)

// AuditEvent is an append-only record of a significant batch transition.
type AuditEvent struct {
	ID        string         `json:"id" db:"id"`
	BatchID   string         `json:"batch_id" db:"batch_id"`
	Type      string         `json:"event_type" db:"event_type"`
	Actor     string         `json:"actor" db:"actor"`
	Payload   map[string]any `json:"payload" db:"payload"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// BatchFinalized is emitted to the notification sink after a batch is sent.
type BatchFinalized struct {
	BatchID       string            `json:"batch_id"`
	Fund          Fund              `json:"fund"`
	OrderCount    int               `json:"order_count"`
	TradeDate     string            `json:"trade_date"`
	DriveFileURLs map[string]string `json:"drive_file_urls,omitempty"`
}
