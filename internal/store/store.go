// Package store defines the persistence interfaces for the rebalancer.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for model-portfolio and limit data), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pensionops/rebalancer/internal/model"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Ledger system accounts consulted for the flagship fund.
const (
	AccountUnreconciledBankReceipts = "UNRECONCILED_BANK_RECEIPTS"
	AccountIncomingPaymentsClearing = "INCOMING_PAYMENTS_CLEARING"
	AccountFundUnitsReserved        = "FUND_UNITS_RESERVED"
)

// PositionRepository reads calculated positions and cash.
type PositionRepository interface {
	// LatestPositionDate returns the latest calculation date on or before
	// upTo. ok is false when the fund has no positions that early.
	LatestPositionDate(ctx context.Context, fund model.Fund, upTo time.Time) (date time.Time, ok bool, err error)

	// PositionsByDate returns all calculated positions for fund on date.
	PositionsByDate(ctx context.Context, fund model.Fund, date time.Time) ([]model.PositionRecord, error)

	// CashBalance sums the fund's cash accounts on date.
	CashBalance(ctx context.Context, fund model.Fund, date time.Time) (decimal.Decimal, error)
}

// FeeRepository reads accrued fees.
type FeeRepository interface {
	// AccruedFees sums accruals of the given types in feeMonth with an
	// accrual date strictly before before.
	AccruedFees(ctx context.Context, fund model.Fund, feeMonth time.Time, types []model.FeeType, before time.Time) (decimal.Decimal, error)
}

// AllocationRepository reads model portfolios.
type AllocationRepository interface {
	// LatestAllocations returns the most recent model-portfolio rows for fund.
	LatestAllocations(ctx context.Context, fund model.Fund) ([]model.ModelPortfolioAllocation, error)
}

// LimitRepository reads fund- and position-level limits.
type LimitRepository interface {
	// LatestFundLimit returns nil without error when none is configured.
	LatestFundLimit(ctx context.Context, fund model.Fund) (*model.FundLimit, error)

	// LatestPositionLimits returns the most recent per-instrument limits.
	LatestPositionLimits(ctx context.Context, fund model.Fund) ([]model.PositionLimit, error)
}

// LedgerRepository exposes the general ledger's balance queries.
type LedgerRepository interface {
	SystemAccountBalance(ctx context.Context, account string) (decimal.Decimal, error)
	FundUnitsBalance(ctx context.Context, account string) (decimal.Decimal, error)

	// LatestNAV returns the most recent net asset value per unit of the
	// fund with the given ISIN.
	LatestNAV(ctx context.Context, fundISIN string) (nav decimal.Decimal, ok bool, err error)
}

// SourceRepositories is everything the input aggregator reads.
type SourceRepositories interface {
	PositionRepository
	FeeRepository
	AllocationRepository
	LimitRepository
	LedgerRepository
	UnsettledOrderReader
}

// CommandRepository persists transaction commands.
type CommandRepository interface {
	CreateCommand(ctx context.Context, cmd *model.TransactionCommand) error
	SaveCommand(ctx context.Context, cmd *model.TransactionCommand) error
	GetCommand(ctx context.Context, id string) (*model.TransactionCommand, error)
	CommandsByStatus(ctx context.Context, status model.CommandStatus) ([]model.TransactionCommand, error)
}

// BatchRepository persists transaction batches.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *model.TransactionBatch) error
	SaveBatch(ctx context.Context, batch *model.TransactionBatch) error
	GetBatch(ctx context.Context, id string) (*model.TransactionBatch, error)
	BatchesByStatus(ctx context.Context, status model.BatchStatus) ([]model.TransactionBatch, error)
}

// UnsettledOrderReader finds orders whose cash has not moved yet.
type UnsettledOrderReader interface {
	// UnsettledOrders returns the fund's orders with an expected settlement
	// date strictly after asOf.
	UnsettledOrders(ctx context.Context, fund model.Fund, asOf time.Time) ([]model.TransactionOrder, error)
}

// OrderRepository persists transaction orders.
type OrderRepository interface {
	UnsettledOrderReader

	// SaveOrders inserts new orders and updates existing ones by ID.
	SaveOrders(ctx context.Context, orders []model.TransactionOrder) error
	OrdersByBatch(ctx context.Context, batchID string) ([]model.TransactionOrder, error)
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	AppendAuditEvent(ctx context.Context, event *model.AuditEvent) error
	AuditEventsByBatch(ctx context.Context, batchID string) ([]model.AuditEvent, error)
}

// Store is the full persistence interface.
type Store interface {
	PositionRepository
	FeeRepository
	AllocationRepository
	LimitRepository
	LedgerRepository
	CommandRepository
	BatchRepository
	OrderRepository
	AuditLog

	// WithinTx runs fn against a transactional view of the store. Every
	// write made through that view commits together when fn returns nil
	// and is discarded otherwise. Nested calls join the outer transaction.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
