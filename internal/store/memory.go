package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pensionops/rebalancer/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	positions    []model.PositionRecord
	cash         map[cashKey]decimal.Decimal
	fees         []model.FeeAccrual
	allocations  map[model.Fund][]model.ModelPortfolioAllocation
	fundLimits   map[model.Fund]model.FundLimit
	posLimits    map[model.Fund][]model.PositionLimit
	systemAccts  map[string]decimal.Decimal
	unitAccts    map[string]decimal.Decimal
	navs         map[string]decimal.Decimal
	commands     map[string]model.TransactionCommand
	batches      map[string]model.TransactionBatch
	orders       map[string]model.TransactionOrder
	orderSeq     []string
	audit        []model.AuditEvent
	commandOrder []string
	batchOrder   []string
}

type cashKey struct {
	fund model.Fund
	date time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cash:        make(map[cashKey]decimal.Decimal),
		allocations: make(map[model.Fund][]model.ModelPortfolioAllocation),
		fundLimits:  make(map[model.Fund]model.FundLimit),
		posLimits:   make(map[model.Fund][]model.PositionLimit),
		systemAccts: make(map[string]decimal.Decimal),
		unitAccts:   make(map[string]decimal.Decimal),
		navs:        make(map[string]decimal.Decimal),
		commands:    make(map[string]model.TransactionCommand),
		batches:     make(map[string]model.TransactionBatch),
		orders:      make(map[string]model.TransactionOrder),
	}
}

// --- Seeding (source data is read-only through the Store interface) ---

// AddPositions appends calculated position rows.
func (s *MemoryStore) AddPositions(records ...model.PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, records...)
}

// AddCash adds a cash account balance for fund on date.
func (s *MemoryStore) AddCash(fund model.Fund, date time.Time, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cashKey{fund, date}
	s.cash[k] = s.cash[k].Add(amount)
}

// AddFeeAccruals appends fee accrual rows.
func (s *MemoryStore) AddFeeAccruals(accruals ...model.FeeAccrual) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = append(s.fees, accruals...)
}

// SetAllocations replaces the latest model portfolio of fund.
func (s *MemoryStore) SetAllocations(fund model.Fund, rows []model.ModelPortfolioAllocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[fund] = append([]model.ModelPortfolioAllocation(nil), rows...)
}

// SetFundLimit replaces the latest fund-level limit.
func (s *MemoryStore) SetFundLimit(limit model.FundLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundLimits[limit.Fund] = limit
}

// SetPositionLimits replaces the latest per-instrument limits of fund.
func (s *MemoryStore) SetPositionLimits(fund model.Fund, rows []model.PositionLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posLimits[fund] = append([]model.PositionLimit(nil), rows...)
}

// SetSystemAccountBalance sets a ledger system account balance.
func (s *MemoryStore) SetSystemAccountBalance(account string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemAccts[account] = balance
}

// SetFundUnitsBalance sets a ledger fund-units account balance.
func (s *MemoryStore) SetFundUnitsBalance(account string, units decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitAccts[account] = units
}

// SetNAV sets the latest NAV of a fund ISIN.
func (s *MemoryStore) SetNAV(fundISIN string, nav decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navs[fundISIN] = nav
}

// --- Source reads ---

func (s *MemoryStore) LatestPositionDate(_ context.Context, fund model.Fund, upTo time.Time) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	found := false
	for _, p := range s.positions {
		if p.Fund != fund || p.Date.After(upTo) {
			continue
		}
		if !found || p.Date.After(latest) {
			latest = p.Date
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) PositionsByDate(_ context.Context, fund model.Fund, date time.Time) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionRecord
	for _, p := range s.positions {
		if p.Fund == fund && p.Date.Equal(date) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) CashBalance(_ context.Context, fund model.Fund, date time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cash[cashKey{fund, date}], nil
}

func (s *MemoryStore) AccruedFees(_ context.Context, fund model.Fund, feeMonth time.Time, types []model.FeeType, before time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[model.FeeType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	total := decimal.Zero
	for _, f := range s.fees {
		if f.Fund == fund && f.FeeMonth.Equal(feeMonth) && wanted[f.Type] && f.AccrualDate.Before(before) {
			total = total.Add(f.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) LatestAllocations(_ context.Context, fund model.Fund) ([]model.ModelPortfolioAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ModelPortfolioAllocation(nil), s.allocations[fund]...), nil
}

func (s *MemoryStore) LatestFundLimit(_ context.Context, fund model.Fund) (*model.FundLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.fundLimits[fund]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *MemoryStore) LatestPositionLimits(_ context.Context, fund model.Fund) ([]model.PositionLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.PositionLimit(nil), s.posLimits[fund]...), nil
}

func (s *MemoryStore) SystemAccountBalance(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemAccts[account], nil
}

func (s *MemoryStore) FundUnitsBalance(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unitAccts[account], nil
}

func (s *MemoryStore) LatestNAV(_ context.Context, fundISIN string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nav, ok := s.navs[fundISIN]
	return nav, ok, nil
}

// --- Commands ---

func (s *MemoryStore) CreateCommand(_ context.Context, cmd *model.TransactionCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[cmd.ID]; exists {
		return fmt.Errorf("command %s already exists", cmd.ID)
	}
	s.commands[cmd.ID] = cloneCommand(*cmd)
	s.commandOrder = append(s.commandOrder, cmd.ID)
	return nil
}

func (s *MemoryStore) SaveCommand(_ context.Context, cmd *model.TransactionCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[cmd.ID]; !exists {
		return fmt.Errorf("command %s: %w", cmd.ID, ErrNotFound)
	}
	s.commands[cmd.ID] = cloneCommand(*cmd)
	return nil
}

func (s *MemoryStore) GetCommand(_ context.Context, id string) (*model.TransactionCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	c = cloneCommand(c)
	return &c, nil
}

func (s *MemoryStore) CommandsByStatus(_ context.Context, status model.CommandStatus) ([]model.TransactionCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionCommand
	for _, id := range s.commandOrder {
		if c := s.commands[id]; c.Status == status {
			result = append(result, cloneCommand(c))
		}
	}
	return result, nil
}

// --- Batches ---

func (s *MemoryStore) CreateBatch(_ context.Context, b *model.TransactionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	s.batches[b.ID] = cloneBatch(*b)
	s.batchOrder = append(s.batchOrder, b.ID)
	return nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, b *model.TransactionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; !exists {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	s.batches[b.ID] = cloneBatch(*b)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.TransactionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	b = cloneBatch(b)
	return &b, nil
}

func (s *MemoryStore) BatchesByStatus(_ context.Context, status model.BatchStatus) ([]model.TransactionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionBatch
	for _, id := range s.batchOrder {
		if b := s.batches[id]; b.Status == status {
			result = append(result, cloneBatch(b))
		}
	}
	return result, nil
}

// --- Orders ---

func (s *MemoryStore) SaveOrders(_ context.Context, orders []model.TransactionOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range orders {
		if _, ok := s.batches[o.BatchID]; !ok {
			return fmt.Errorf("order %s references batch %s: %w", o.ID, o.BatchID, ErrNotFound)
		}
		if _, exists := s.orders[o.ID]; !exists {
			s.orderSeq = append(s.orderSeq, o.ID)
		}
		s.orders[o.ID] = o
	}
	return nil
}

func (s *MemoryStore) OrdersByBatch(_ context.Context, batchID string) ([]model.TransactionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionOrder
	for _, id := range s.orderSeq {
		if o := s.orders[id]; o.BatchID == batchID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) UnsettledOrders(_ context.Context, fund model.Fund, asOf time.Time) ([]model.TransactionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionOrder
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Fund == fund && o.ExpectedSettlementDate != nil && o.ExpectedSettlementDate.After(asOf) {
			result = append(result, o)
		}
	}
	return result, nil
}

// --- Audit ---

func (s *MemoryStore) AppendAuditEvent(_ context.Context, e *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *e)
	return nil
}

func (s *MemoryStore) AuditEventsByBatch(_ context.Context, batchID string) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEvent
	for _, e := range s.audit {
		if e.BatchID == batchID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Transactions ---

// WithinTx serializes transactions and restores the transactional state
// (commands, batches, orders, audit) if fn fails. Source data is
// read-only and not snapshotted.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(memoryTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memoryTx is the view handed to WithinTx callbacks; nested calls join
// the running transaction.
type memoryTx struct {
	*MemoryStore
}

func (t memoryTx) WithinTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

type memorySnapshot struct {
	commands     map[string]model.TransactionCommand
	batches      map[string]model.TransactionBatch
	orders       map[string]model.TransactionOrder
	orderSeq     []string
	audit        []model.AuditEvent
	commandOrder []string
	batchOrder   []string
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memorySnapshot{
		commands:     make(map[string]model.TransactionCommand, len(s.commands)),
		batches:      make(map[string]model.TransactionBatch, len(s.batches)),
		orders:       make(map[string]model.TransactionOrder, len(s.orders)),
		orderSeq:     append([]string(nil), s.orderSeq...),
		audit:        append([]model.AuditEvent(nil), s.audit...),
		commandOrder: append([]string(nil), s.commandOrder...),
		batchOrder:   append([]string(nil), s.batchOrder...),
	}
	for k, v := range s.commands {
		snap.commands[k] = v
	}
	for k, v := range s.batches {
		snap.batches[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = snap.commands
	s.batches = snap.batches
	s.orders = snap.orders
	s.orderSeq = snap.orderSeq
	s.audit = snap.audit
	s.commandOrder = snap.commandOrder
	s.batchOrder = snap.batchOrder
}

// Stored entities get their own copies of map fields to avoid external mutation.

func cloneCommand(c model.TransactionCommand) model.TransactionCommand {
	c.ManualAdjustments = cloneMap(c.ManualAdjustments)
	return c
}

func cloneBatch(b model.TransactionBatch) model.TransactionBatch {
	b.Metadata = cloneMap(b.Metadata)
	return b
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
