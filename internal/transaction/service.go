// Package transaction turns rebalancing commands into auditable batches of
// orders and finalizes confirmed batches for execution.
//
// Command lifecycle: PENDING → PROCESSING → CALCULATED | FAILED.
// Batch lifecycle: AWAITING_CONFIRMATION → CONFIRMED → SENT.
package transaction

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pensionops/rebalancer/internal/aggregation"
	"github.com/pensionops/rebalancer/internal/export"
	"github.com/pensionops/rebalancer/internal/metrics"
	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/notify"
	"github.com/pensionops/rebalancer/internal/rebalance"
	"github.com/pensionops/rebalancer/internal/settlement"
	"github.com/pensionops/rebalancer/internal/store"
)

// SystemActor is recorded on batches and audit events created by the
// service itself.
const SystemActor = "system"

// MetadataDriveFileURLs holds uploaded workbook URLs in batch metadata.
const MetadataDriveFileURLs = "driveFileUrls"

// InputGatherer assembles calculation input for a fund.
type InputGatherer interface {
	GatherInput(ctx context.Context, fund model.Fund, asOf time.Time, adjustments map[string]any) (*model.FundTransactionInput, error)
}

// Exporter renders orders as workbooks keyed by metadata key.
type Exporter interface {
	Export(orders []model.TransactionOrder, labels export.Labels) (map[string][]byte, error)
}

// Deps are the collaborators of a Service. Uploader and Sink are optional.
type Deps struct {
	Store      store.Store
	Aggregator InputGatherer
	Engine     *rebalance.Engine
	Settlement *settlement.Calculator
	Exporter   Exporter
	Uploader   export.Uploader
	Sink       notify.Sink

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Options tunes a Service.
type Options struct {
	// Location decides the trade date of a finalization instant.
	Location *time.Location

	DefaultInstrumentType model.InstrumentType
	DefaultVenue          model.OrderVenue
	UploadEnabled         bool
}

// DefaultOptions returns UTC trade dates with ETF/SEB order defaults.
func DefaultOptions() Options {
	return Options{
		Location:              time.UTC,
		DefaultInstrumentType: model.InstrumentETF,
		DefaultVenue:          model.VenueSEB,
	}
}

// Service processes commands and finalizes batches.
type Service struct {
	deps Deps
	opts Options
}

// NewService creates a transaction service.
func NewService(deps Deps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Engine == nil {
		deps.Engine = rebalance.NewEngine()
	}
	if deps.Settlement == nil {
		deps.Settlement = settlement.NewCalculator()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultInstrumentType == "" {
		opts.DefaultInstrumentType = model.InstrumentETF
	}
	if opts.DefaultVenue == "" {
		opts.DefaultVenue = model.VenueSEB
	}
	return &Service{deps: deps, opts: opts}
}

// Store exposes the backing store to sibling components.
func (s *Service) Store() store.Store { return s.deps.Store }

// ProcessResult is the outcome of a successful calculation.
type ProcessResult struct {
	Batch  *model.TransactionBatch
	Orders []model.TransactionOrder
	Trades []model.TradeCalculation
}

// expected reports whether err is an input problem that fails the command
// rather than the run.
func expected(err error) bool {
	return errors.Is(err, aggregation.ErrNoPositionData) ||
		errors.Is(err, aggregation.ErrInvalidAdjustment) ||
		errors.Is(err, aggregation.ErrFlagshipISINUnset) ||
		errors.Is(err, rebalance.ErrUnknownMode)
}

// CreateCommand stores a new PENDING command.
func (s *Service) CreateCommand(ctx context.Context, fund model.Fund, mode model.TransactionMode, asOf time.Time, adjustments map[string]any) (*model.TransactionCommand, error) {
	if adjustments == nil {
		adjustments = map[string]any{}
	}
	cmd := &model.TransactionCommand{
		ID:                uuid.New().String(),
		Fund:              fund,
		Mode:              mode,
		AsOfDate:          asOf,
		ManualAdjustments: adjustments,
		Status:            model.CommandPending,
		CreatedAt:         s.deps.Clock().UTC(),
	}
	if err := s.deps.Store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	slog.Info("command created", "command_id", cmd.ID, "fund", fund, "mode", mode)
	return cmd, nil
}

// ProcessCommand calculates a PROCESSING command and records its batch.
//
// Input problems move the command to FAILED and return (nil, nil). Any
// other error is returned as is and the command stays PROCESSING for an
// operator to investigate.
func (s *Service) ProcessCommand(ctx context.Context, cmd *model.TransactionCommand) (*ProcessResult, error) {
	if cmd.Status != model.CommandProcessing {
		return nil, fmt.Errorf("%w: command %s is %s, expected %s",
			model.ErrIllegalTransition, cmd.ID, cmd.Status, model.CommandProcessing)
	}
	log := slog.With("command_id", cmd.ID, "fund", cmd.Fund, "mode", cmd.Mode)
	log.Info("processing command")

	input, err := s.deps.Aggregator.GatherInput(ctx, cmd.Fund, cmd.AsOfDate, cmd.ManualAdjustments)
	if err != nil {
		return nil, s.failOrPropagate(ctx, cmd, err)
	}
	result, err := s.deps.Engine.Calculate(input, cmd.Mode)
	if err != nil {
		return nil, s.failOrPropagate(ctx, cmd, err)
	}

	now := s.deps.Clock().UTC()
	batch := &model.TransactionBatch{
		ID:        uuid.New().String(),
		Fund:      cmd.Fund,
		Status:    model.BatchAwaitingConfirmation,
		CreatedBy: SystemActor,
		Metadata: map[string]any{
			"commandId": cmd.ID,
			"mode":      string(cmd.Mode),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	orders := s.buildOrders(batch, result, now)

	audit := &model.AuditEvent{
		ID:      uuid.New().String(),
		BatchID: batch.ID,
		Type:    model.EventCalculationCompleted,
		Actor:   SystemActor,
		Payload: map[string]any{
			"input":  serializeInput(input),
			"output": serializeTrades(result.Trades),
			"summary": map[string]any{
				"fund":       string(cmd.Fund),
				"mode":       string(cmd.Mode),
				"tradeCount": len(result.Trades),
			},
		},
		CreatedAt: now,
	}

	updated := *cmd
	if err := updated.Complete(batch.ID, now); err != nil {
		return nil, err
	}

	err = s.deps.Store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		if len(orders) > 0 {
			if err := tx.SaveOrders(ctx, orders); err != nil {
				return fmt.Errorf("save orders: %w", err)
			}
		}
		if err := tx.AppendAuditEvent(ctx, audit); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		if err := tx.SaveCommand(ctx, &updated); err != nil {
			return fmt.Errorf("save command: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	*cmd = updated

	for _, t := range result.Trades {
		if t.LimitStatus != model.LimitOK {
			metrics.LimitBreaches.WithLabelValues(string(t.LimitStatus)).Inc()
		}
	}
	for _, o := range orders {
		metrics.OrdersCreated.WithLabelValues(string(o.Type)).Inc()
	}
	metrics.CommandsProcessed.WithLabelValues("calculated").Inc()
	log.Info("command calculated", "batch_id", batch.ID, "order_count", len(orders))

	return &ProcessResult{Batch: batch, Orders: orders, Trades: result.Trades}, nil
}

// failOrPropagate records expected failures on the command and returns
// anything else unchanged.
func (s *Service) failOrPropagate(ctx context.Context, cmd *model.TransactionCommand, cause error) error {
	if !expected(cause) {
		return cause
	}
	slog.Error("command failed", "command_id", cmd.ID, "fund", cmd.Fund, "err", cause)

	updated := *cmd
	if err := updated.Fail(cause.Error(), s.deps.Clock().UTC()); err != nil {
		return err
	}
	if err := s.deps.Store.SaveCommand(ctx, &updated); err != nil {
		return fmt.Errorf("save failed command %s: %w", cmd.ID, err)
	}
	*cmd = updated
	metrics.CommandsProcessed.WithLabelValues("failed").Inc()
	return nil
}

// buildOrders materializes one PENDING order per nonzero trade.
func (s *Service) buildOrders(batch *model.TransactionBatch, result *model.FundCalculationResult, now time.Time) []model.TransactionOrder {
	var orders []model.TransactionOrder
	for _, t := range result.Trades {
		if t.Amount.IsZero() {
			continue
		}
		side := model.Buy
		if t.Amount.IsNegative() {
			side = model.Sell
		}
		instrument, ok := result.Input.InstrumentTypes[t.ISIN]
		if !ok {
			instrument = s.opts.DefaultInstrumentType
		}
		venue, ok := result.Input.OrderVenues[t.ISIN]
		if !ok {
			venue = s.opts.DefaultVenue
		}
		orders = append(orders, model.TransactionOrder{
			ID:             uuid.New().String(),
			BatchID:        batch.ID,
			Fund:           result.Fund,
			ISIN:           t.ISIN,
			Type:           side,
			InstrumentType: instrument,
			Amount:         t.Amount.Abs(),
			Venue:          venue,
			OrderUUID:      uuid.New().String(),
			Status:         model.OrderPending,
			CreatedAt:      now,
		})
	}
	return orders
}

// FinalizeConfirmedBatch stamps a CONFIRMED batch's orders as sent,
// attaches export workbooks, and marks the batch SENT. Order, batch, and
// audit writes commit together. The upload and the notification follow
// the commit and are best-effort.
func (s *Service) FinalizeConfirmedBatch(ctx context.Context, batchID string) (*model.BatchFinalized, error) {
	batch, err := s.deps.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != model.BatchConfirmed {
		return nil, fmt.Errorf("%w: batch %s is %s, expected %s",
			model.ErrIllegalTransition, batch.ID, batch.Status, model.BatchConfirmed)
	}
	log := slog.With("batch_id", batch.ID, "fund", batch.Fund)
	log.Info("finalizing batch")

	now := s.deps.Clock()
	tradeDate := model.DateOf(now, s.opts.Location)

	orders, err := s.deps.Store.OrdersByBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	for i := range orders {
		settle := s.deps.Settlement.SettlementDate(tradeDate, orders[i].InstrumentType)
		if err := orders[i].MarkSent(now, settle); err != nil {
			return nil, err
		}
	}

	allocations, err := s.deps.Store.LatestAllocations(ctx, batch.Fund)
	if err != nil {
		return nil, fmt.Errorf("load model portfolio: %w", err)
	}
	files, err := s.deps.Exporter.Export(orders, export.LabelsFrom(allocations))
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(batch.Metadata)+len(files)+1)
	for k, v := range batch.Metadata {
		metadata[k] = v
	}
	for k, data := range files {
		metadata[k] = base64.StdEncoding.EncodeToString(data)
	}
	if err := batch.MarkSent(now); err != nil {
		return nil, err
	}
	batch.Metadata = metadata

	tradeDateText := tradeDate.Format(time.DateOnly)
	audit := &model.AuditEvent{
		ID:      uuid.New().String(),
		BatchID: batch.ID,
		Type:    model.EventBatchFinalized,
		Actor:   SystemActor,
		Payload: map[string]any{
			"tradeDate":  tradeDateText,
			"orderCount": len(orders),
		},
		CreatedAt: now,
	}

	err = s.deps.Store.WithinTx(ctx, func(tx store.Store) error {
		// Re-check inside the transaction so a concurrent run cannot send
		// the same batch twice.
		current, err := tx.GetBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		if current.Status != model.BatchConfirmed {
			return fmt.Errorf("%w: batch %s is %s, expected %s",
				model.ErrIllegalTransition, batch.ID, current.Status, model.BatchConfirmed)
		}
		if len(orders) > 0 {
			if err := tx.SaveOrders(ctx, orders); err != nil {
				return fmt.Errorf("save orders: %w", err)
			}
		}
		if err := tx.SaveBatch(ctx, batch); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		if err := tx.AppendAuditEvent(ctx, audit); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.BatchesFinalized.Inc()

	// Upload only once the batch is ours: a batch another run sent first
	// must not leave files behind.
	urls := s.upload(ctx, batch, now, files)
	if len(urls) > 0 {
		batch.Metadata[MetadataDriveFileURLs] = urls
		if err := s.deps.Store.SaveBatch(ctx, batch); err != nil {
			metrics.SideEffectFailures.WithLabelValues("upload_urls").Inc()
			log.Error("saving upload URLs failed", "err", err)
		}
	}

	event := model.BatchFinalized{
		BatchID:       batch.ID,
		Fund:          batch.Fund,
		OrderCount:    len(orders),
		TradeDate:     tradeDateText,
		DriveFileURLs: urls,
	}
	if s.deps.Sink != nil {
		if err := s.deps.Sink.Notify(ctx, event); err != nil {
			metrics.SideEffectFailures.WithLabelValues("notification").Inc()
			log.Error("batch notification failed", "err", err)
		}
	}

	log.Info("batch finalized", "order_count", len(orders), "trade_date", tradeDateText)
	return &event, nil
}

// upload sends the destination workbooks when uploads are enabled. Upload
// failures are logged and yield no URLs.
func (s *Service) upload(ctx context.Context, batch *model.TransactionBatch, at time.Time, files map[string][]byte) map[string]string {
	if !s.opts.UploadEnabled || s.deps.Uploader == nil {
		return nil
	}
	destinations := make(map[string][]byte, len(export.DestinationKeys))
	for _, k := range export.DestinationKeys {
		if data, ok := files[k]; ok {
			destinations[k] = data
		}
	}
	urls, err := s.deps.Uploader.Upload(ctx, batch.Fund, at, destinations)
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("upload").Inc()
		slog.Error("export upload failed", "batch_id", batch.ID, "err", err)
		return nil
	}
	return urls
}

// ConfirmBatch records external approval of an awaiting batch.
func (s *Service) ConfirmBatch(ctx context.Context, batchID, actor string) (*model.TransactionBatch, error) {
	if actor == "" {
		actor = SystemActor
	}
	var confirmed *model.TransactionBatch
	err := s.deps.Store.WithinTx(ctx, func(tx store.Store) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		now := s.deps.Clock().UTC()
		if err := batch.Confirm(now); err != nil {
			return err
		}
		if err := tx.SaveBatch(ctx, batch); err != nil {
			return err
		}
		confirmed = batch
		return tx.AppendAuditEvent(ctx, &model.AuditEvent{
			ID:        uuid.New().String(),
			BatchID:   batch.ID,
			Type:      model.EventBatchConfirmed,
			Actor:     actor,
			Payload:   map[string]any{"confirmedBy": actor},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	slog.Info("batch confirmed", "batch_id", batchID, "actor", actor)
	return confirmed, nil
}
