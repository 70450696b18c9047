package store

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pensionops/rebalancer/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool // nil inside a transaction
	q    querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{q: tx})
	})
}

// --- Source reads ---

func (s *PostgresStore) LatestPositionDate(ctx context.Context, fund model.Fund, upTo time.Time) (time.Time, bool, error) {
	var date *time.Time
	err := s.q.QueryRow(ctx,
		`SELECT MAX(date) FROM position_calculation WHERE fund = $1 AND date <= $2`,
		fund, upTo).Scan(&date)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest position date %s: %w", fund, err)
	}
	if date == nil {
		return time.Time{}, false, nil
	}
	return *date, true, nil
}

func (s *PostgresStore) PositionsByDate(ctx context.Context, fund model.Fund, date time.Time) ([]model.PositionRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT fund, date, isin, calculated_market_value::TEXT
		 FROM position_calculation WHERE fund = $1 AND date = $2 ORDER BY isin`, fund, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.PositionRecord
	for rows.Next() {
		var p model.PositionRecord
		var mv *string
		if err := rows.Scan(&p.Fund, &p.Date, &p.ISIN, &mv); err != nil {
			return nil, err
		}
		p.MarketValue = nullDecimal(mv)
		records = append(records, p)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CashBalance(ctx context.Context, fund model.Fund, date time.Time) (decimal.Decimal, error) {
	return s.sum(ctx,
		`SELECT COALESCE(SUM(market_value), 0)::TEXT
		 FROM fund_cash_balance WHERE fund = $1 AND reporting_date = $2`, fund, date)
}

func (s *PostgresStore) AccruedFees(ctx context.Context, fund model.Fund, feeMonth time.Time, types []model.FeeType, before time.Time) (decimal.Decimal, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return s.sum(ctx,
		`SELECT COALESCE(SUM(daily_amount_gross), 0)::TEXT
		 FROM investment_fee_accrual
		 WHERE fund_code = $1 AND fee_month = $2 AND fee_type = ANY($3) AND accrual_date < $4`,
		fund, feeMonth, names, before)
}

func (s *PostgresStore) LatestAllocations(ctx context.Context, fund model.Fund) ([]model.ModelPortfolioAllocation, error) {
	rows, err := s.q.Query(ctx,
		`SELECT fund, effective_date, isin, weight::TEXT, fast_sell,
		        COALESCE(instrument_type, ''), COALESCE(order_venue, ''),
		        COALESCE(label, ''), COALESCE(ticker, ''), COALESCE(bbg_ticker, '')
		 FROM model_portfolio_allocation
		 WHERE fund = $1
		   AND effective_date = (SELECT MAX(effective_date) FROM model_portfolio_allocation WHERE fund = $1)
		 ORDER BY isin`, fund)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ModelPortfolioAllocation
	for rows.Next() {
		var a model.ModelPortfolioAllocation
		var weight string
		if err := rows.Scan(&a.Fund, &a.EffectiveDate, &a.ISIN, &weight, &a.FastSell,
			&a.InstrumentType, &a.Venue, &a.Label, &a.Ticker, &a.BBGTicker); err != nil {
			return nil, err
		}
		a.Weight, _ = decimal.NewFromString(weight)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) LatestFundLimit(ctx context.Context, fund model.Fund) (*model.FundLimit, error) {
	var l model.FundLimit
	var reserveSoft, minTx *string
	err := s.q.QueryRow(ctx,
		`SELECT fund, effective_date, reserve_soft::TEXT, min_transaction::TEXT
		 FROM fund_limit WHERE fund = $1 ORDER BY effective_date DESC LIMIT 1`, fund).
		Scan(&l.Fund, &l.EffectiveDate, &reserveSoft, &minTx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest fund limit %s: %w", fund, err)
	}
	l.ReserveSoft = nullDecimal(reserveSoft)
	l.MinTransaction = nullDecimal(minTx)
	return &l, nil
}

func (s *PostgresStore) LatestPositionLimits(ctx context.Context, fund model.Fund) ([]model.PositionLimit, error) {
	rows, err := s.q.Query(ctx,
		`SELECT fund, effective_date, isin, soft_limit_percent::TEXT, hard_limit_percent::TEXT
		 FROM position_limit
		 WHERE fund = $1
		   AND effective_date = (SELECT MAX(effective_date) FROM position_limit WHERE fund = $1)
		 ORDER BY isin`, fund)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PositionLimit
	for rows.Next() {
		var l model.PositionLimit
		var soft, hard string
		if err := rows.Scan(&l.Fund, &l.EffectiveDate, &l.ISIN, &soft, &hard); err != nil {
			return nil, err
		}
		l.SoftLimit, _ = decimal.NewFromString(soft)
		l.HardLimit, _ = decimal.NewFromString(hard)
		result = append(result, l)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SystemAccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return s.sum(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT
		 FROM ledger_entry WHERE account_name = $1 AND asset_type = 'EUR'`, account)
}

func (s *PostgresStore) FundUnitsBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return s.sum(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT
		 FROM ledger_entry WHERE account_name = $1 AND asset_type = 'FUND_UNIT'`, account)
}

func (s *PostgresStore) LatestNAV(ctx context.Context, fundISIN string) (decimal.Decimal, bool, error) {
	var nav string
	err := s.q.QueryRow(ctx,
		`SELECT value::TEXT FROM fund_nav WHERE isin = $1 ORDER BY date DESC LIMIT 1`, fundISIN).
		Scan(&nav)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("latest nav %s: %w", fundISIN, err)
	}
	d, err := decimal.NewFromString(nav)
	if err != nil {
		return decimal.Zero, false, err
	}
	return d, true, nil
}

// --- Commands ---

const commandColumns = `id, fund, mode, as_of_date, manual_adjustments, status,
	batch_id, error_message, created_at, processed_at`

func (s *PostgresStore) CreateCommand(ctx context.Context, c *model.TransactionCommand) error {
	adjustments, err := json.Marshal(nonNilMap(c.ManualAdjustments))
	if err != nil {
		return fmt.Errorf("encode manual adjustments: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transaction_command (`+commandColumns+`)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7, $8, $9, $10)`,
		c.ID, c.Fund, c.Mode, c.AsOfDate, string(adjustments), c.Status,
		nullString(c.BatchID), nullString(c.ErrorMessage), c.CreatedAt, c.ProcessedAt,
	)
	return err
}

func (s *PostgresStore) SaveCommand(ctx context.Context, c *model.TransactionCommand) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transaction_command
		 SET status = $2, batch_id = $3, error_message = $4, processed_at = $5
		 WHERE id = $1`,
		c.ID, c.Status, nullString(c.BatchID), nullString(c.ErrorMessage), c.ProcessedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("command %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*model.TransactionCommand, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+commandColumns+` FROM transaction_command WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return &commands[0], nil
}

func (s *PostgresStore) CommandsByStatus(ctx context.Context, status model.CommandStatus) ([]model.TransactionCommand, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+commandColumns+` FROM transaction_command
		 WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

// --- Batches ---

const batchColumns = `id, fund, status, created_by, metadata, created_at, updated_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.TransactionBatch) error {
	metadata, err := json.Marshal(nonNilMap(b.Metadata))
	if err != nil {
		return fmt.Errorf("encode batch metadata: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transaction_batch (`+batchColumns+`)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7)`,
		b.ID, b.Fund, b.Status, b.CreatedBy, string(metadata), b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) SaveBatch(ctx context.Context, b *model.TransactionBatch) error {
	metadata, err := json.Marshal(nonNilMap(b.Metadata))
	if err != nil {
		return fmt.Errorf("encode batch metadata: %w", err)
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE transaction_batch SET status = $2, metadata = $3::JSONB, updated_at = $4 WHERE id = $1`,
		b.ID, b.Status, string(metadata), b.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.TransactionBatch, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+batchColumns+` FROM transaction_batch WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return &batches[0], nil
}

func (s *PostgresStore) BatchesByStatus(ctx context.Context, status model.BatchStatus) ([]model.TransactionBatch, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+batchColumns+` FROM transaction_batch
		 WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

// --- Orders ---

const orderColumns = `id, batch_id, fund, isin, transaction_type, instrument_type,
	order_amount, order_quantity, order_venue, order_uuid, order_status,
	order_timestamp, expected_settlement_date, created_at`

func (s *PostgresStore) SaveOrders(ctx context.Context, orders []model.TransactionOrder) error {
	for _, o := range orders {
		_, err := s.q.Exec(ctx,
			`INSERT INTO transaction_order (`+orderColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE
			 SET order_status = EXCLUDED.order_status,
			     order_quantity = EXCLUDED.order_quantity,
			     order_timestamp = EXCLUDED.order_timestamp,
			     expected_settlement_date = EXCLUDED.expected_settlement_date`,
			o.ID, o.BatchID, o.Fund, o.ISIN, o.Type, o.InstrumentType,
			o.Amount.String(), o.Quantity, o.Venue, o.OrderUUID, o.Status,
			o.OrderTimestamp, o.ExpectedSettlementDate, o.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("save order %s: %w", o.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) OrdersByBatch(ctx context.Context, batchID string) ([]model.TransactionOrder, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumnsText+` FROM transaction_order
		 WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) UnsettledOrders(ctx context.Context, fund model.Fund, asOf time.Time) ([]model.TransactionOrder, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumnsText+` FROM transaction_order
		 WHERE fund = $1 AND expected_settlement_date > $2
		 ORDER BY created_at, id`, fund, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// orderColumnsText selects the amount as TEXT for decimal parsing.
const orderColumnsText = `id, batch_id, fund, isin, transaction_type, instrument_type,
	order_amount::TEXT, order_quantity, order_venue, order_uuid, order_status,
	order_timestamp, expected_settlement_date, created_at`

// --- Audit ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	payload, err := json.Marshal(nonNilMap(e.Payload))
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transaction_audit_event (id, batch_id, event_type, actor, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6)`,
		e.ID, e.BatchID, e.Type, e.Actor, string(payload), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) AuditEventsByBatch(ctx context.Context, batchID string) ([]model.AuditEvent, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, batch_id, event_type, actor, payload, created_at
		 FROM transaction_audit_event WHERE batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Type, &e.Actor, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Payload, err = decodeJSONMap(payload); err != nil {
			return nil, fmt.Errorf("decode audit payload %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

func scanCommands(rows pgx.Rows) ([]model.TransactionCommand, error) {
	var commands []model.TransactionCommand
	for rows.Next() {
		var c model.TransactionCommand
		var adjustments []byte
		var batchID, errMsg *string
		if err := rows.Scan(&c.ID, &c.Fund, &c.Mode, &c.AsOfDate, &adjustments, &c.Status,
			&batchID, &errMsg, &c.CreatedAt, &c.ProcessedAt); err != nil {
			return nil, err
		}
		var err error
		if c.ManualAdjustments, err = decodeJSONMap(adjustments); err != nil {
			return nil, fmt.Errorf("decode manual adjustments %s: %w", c.ID, err)
		}
		c.BatchID = derefString(batchID)
		c.ErrorMessage = derefString(errMsg)
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

func scanBatches(rows pgx.Rows) ([]model.TransactionBatch, error) {
	var batches []model.TransactionBatch
	for rows.Next() {
		var b model.TransactionBatch
		var metadata []byte
		if err := rows.Scan(&b.ID, &b.Fund, &b.Status, &b.CreatedBy, &metadata,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		var err error
		if b.Metadata, err = decodeJSONMap(metadata); err != nil {
			return nil, fmt.Errorf("decode batch metadata %s: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanOrders(rows pgx.Rows) ([]model.TransactionOrder, error) {
	var orders []model.TransactionOrder
	for rows.Next() {
		var o model.TransactionOrder
		var amount string
		if err := rows.Scan(&o.ID, &o.BatchID, &o.Fund, &o.ISIN, &o.Type, &o.InstrumentType,
			&amount, &o.Quantity, &o.Venue, &o.OrderUUID, &o.Status,
			&o.OrderTimestamp, &o.ExpectedSettlementDate, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Amount, _ = decimal.NewFromString(amount)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) sum(ctx context.Context, sql string, args ...any) (decimal.Decimal, error) {
	var total string
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

// decodeJSONMap keeps numbers as json.Number so amounts survive exactly.
func decodeJSONMap(data []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(data) == 0 {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
