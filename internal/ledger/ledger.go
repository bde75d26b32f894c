// Package ledger records custody of items. The item's single active transfer
// record is the only source of truth about who holds it; every mutation runs
// in one store transaction and lost races surface as ErrConcurrentModification.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

const tracerName = "github.com/erazemk/custody/internal/ledger"

// Ledger exposes the custody operations.
type Ledger struct {
	db      *db.DB
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

type Option func(l *Ledger)

// WithClock overrides the time source. Times are stored in UTC.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) {
		l.tracer = t
	}
}

// New constructs a Ledger over database.
func New(database *db.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     database,
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// timestamp returns the current time as stored: UTC, microsecond precision.
func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// querier returns the transaction carried by ctx, or the database.
func (l *Ledger) querier(ctx context.Context) db.Querier {
	if tx, ok := db.TxFrom(ctx); ok {
		return tx
	}
	return l.db
}

// begin starts a span and a timer for op. The returned func records the
// outcome and converts storage conflicts into ErrConcurrentModification.
func (l *Ledger) begin(ctx context.Context, op string, itemID int64) (context.Context, func(err *error)) {
	ctx, span := l.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.Int64("item.id", itemID)))
	start := time.Now()

	return ctx, func(errp *error) {
		defer span.End()
		err := classify(op, itemID, *errp)
		*errp = err

		result := "ok"
		if err != nil {
			result = KindName(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
			if KindOf(err) != nil {
				l.logger.Warn("custody operation rejected", "op", op, "item_id", itemID, "reason", result)
			} else {
				l.logger.Error("custody operation failed", "op", op, "item_id", itemID, "error", err)
			}
		}
		l.metrics.ObserveOperation(op, result, time.Since(start))
	}
}

func classify(op string, itemID int64, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, store.ErrActiveTransferExists) || db.IsConflict(err) {
		return &Error{Op: op, ItemID: itemID, Kind: ErrConcurrentModification, Err: err}
	}
	return fmt.Errorf("%s item %d: %w", op, itemID, err)
}

// MostRecentTransfer returns the item's latest record, or nil if the item
// was never transferred.
func (l *Ledger) MostRecentTransfer(ctx context.Context, itemID int64) (rec *model.TransferRecord, err error) {
	ctx, done := l.begin(ctx, "most_recent_transfer", itemID)
	defer func() { done(&err) }()

	return store.GetMostRecentTransfer(ctx, l.querier(ctx), itemID)
}

// CurrentLocation returns who holds the item and whether they confirmed it.
func (l *Ledger) CurrentLocation(ctx context.Context, itemID int64) (loc *model.Location, err error) {
	const op = "current_location"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	q := l.querier(ctx)

	// The active record is read before the item so that a split committing
	// in between is reported as a retirement, not as a missing record.
	active, err := store.GetActiveTransfer(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	item, err := store.GetItem(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	switch {
	case item == nil:
		return nil, reject(op, itemID, ErrItemNotFound)
	case item.Retired():
		return nil, reject(op, itemID, ErrItemRetired)
	case active == nil:
		return nil, reject(op, itemID, ErrNotTracked)
	}
	return model.LocationOf(active), nil
}

// CanCreateTransfer reports whether a transfer of the item from one holder
// to another may be initiated now. It changes nothing.
func (l *Ledger) CanCreateTransfer(ctx context.Context, itemID, fromHolderID, toHolderID int64) (err error) {
	const op = "can_create_transfer"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	_, err = checkTransfer(ctx, l.querier(ctx), op, itemID, fromHolderID, toHolderID)
	return err
}

// checkTransfer validates a proposed transfer and returns the active record
// it would supersede.
func checkTransfer(ctx context.Context, q db.Querier, op string, itemID, from, to int64) (*model.TransferRecord, error) {
	active, err := store.GetActiveTransfer(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	item, err := store.GetItem(ctx, q, itemID)
	if err != nil {
		return nil, err
	}

	switch {
	case item == nil:
		return nil, reject(op, itemID, ErrItemNotFound)
	case item.Retired():
		return nil, reject(op, itemID, ErrItemRetired)
	case active == nil:
		return nil, reject(op, itemID, ErrNotTracked)
	case from == to:
		return nil, reject(op, itemID, ErrSelfTransfer)
	case active.ToHolderID != from:
		return nil, reject(op, itemID, ErrNotCurrentOwner)
	case active.InTransit():
		return nil, reject(op, itemID, ErrTransferPending)
	}

	recipient, err := store.GetHolder(ctx, q, to)
	if err != nil {
		return nil, err
	}
	if recipient == nil || recipient.DeletedAt != nil {
		return nil, &Error{Op: op, ItemID: itemID, Kind: ErrHolderNotFound, Err: fmt.Errorf("holder %d", to)}
	}
	return active, nil
}

// InitiateTransfer starts a new custody leg. The previous active record is
// deactivated and the new one inserted in the same transaction.
func (l *Ledger) InitiateTransfer(ctx context.Context, itemID, fromHolderID, toHolderID, createdBy int64, remarks string) (rec *model.TransferRecord, err error) {
	const op = "initiate_transfer"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	err = l.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		active, err := checkTransfer(ctx, tx, op, itemID, fromHolderID, toHolderID)
		if err != nil {
			return err
		}

		ok, err := store.DeactivateTransfer(ctx, tx, active.ID)
		if err != nil {
			return err
		}
		if !ok {
			return reject(op, itemID, ErrConcurrentModification)
		}

		rec, err = store.InsertActiveTransfer(ctx, tx, store.TransferParams{
			ItemID:       itemID,
			FromHolderID: fromHolderID,
			ToHolderID:   toHolderID,
			CreatedByID:  createdBy,
			InitiatedAt:  l.timestamp(),
			Remarks:      remarks,
		})
		if err != nil {
			return err
		}
		tx.OnCommit(func() {
			l.logger.Info("transfer initiated",
				"item_id", itemID, "transfer_id", rec.ID,
				"from", fromHolderID, "to", toHolderID, "created_by", createdBy)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ConfirmReceived marks the item's active leg as physically received.
// Confirming an already confirmed leg fails with ErrAlreadyConfirmed.
func (l *Ledger) ConfirmReceived(ctx context.Context, itemID int64) (rec *model.TransferRecord, err error) {
	const op = "confirm_received"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	err = l.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		active, err := activeLeg(ctx, tx, op, itemID)
		if err != nil {
			return err
		}
		if rec, err = l.confirm(ctx, tx, op, active); err != nil {
			return err
		}
		tx.OnCommit(func() {
			l.logger.Info("transfer confirmed", "item_id", itemID, "transfer_id", rec.ID, "holder", rec.ToHolderID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CanConfirmReceived reports whether holderID may confirm the item's active leg.
func (l *Ledger) CanConfirmReceived(ctx context.Context, itemID, holderID int64) (err error) {
	const op = "can_confirm_received"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	_, err = checkConfirm(ctx, l.querier(ctx), op, itemID, holderID)
	return err
}

// ConfirmReceivedBy confirms the active leg on behalf of holderID, failing
// with ErrNotRecipient unless holderID is the receiving party.
func (l *Ledger) ConfirmReceivedBy(ctx context.Context, itemID, holderID int64) (rec *model.TransferRecord, err error) {
	const op = "confirm_received"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	err = l.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		active, err := checkConfirm(ctx, tx, op, itemID, holderID)
		if err != nil {
			return err
		}
		if rec, err = l.confirm(ctx, tx, op, active); err != nil {
			return err
		}
		tx.OnCommit(func() {
			l.logger.Info("transfer confirmed", "item_id", itemID, "transfer_id", rec.ID, "holder", holderID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func checkConfirm(ctx context.Context, q db.Querier, op string, itemID, holderID int64) (*model.TransferRecord, error) {
	active, err := activeLeg(ctx, q, op, itemID)
	if err != nil {
		return nil, err
	}
	if active.ToHolderID != holderID {
		return nil, reject(op, itemID, ErrNotRecipient)
	}
	if !active.InTransit() {
		return nil, reject(op, itemID, ErrAlreadyConfirmed)
	}
	return active, nil
}

// activeLeg returns the item's active record, distinguishing a missing item
// and a retired parent from an item with nothing to confirm.
func activeLeg(ctx context.Context, q db.Querier, op string, itemID int64) (*model.TransferRecord, error) {
	active, err := store.GetActiveTransfer(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	item, err := store.GetItem(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	switch {
	case item == nil:
		return nil, reject(op, itemID, ErrItemNotFound)
	case item.Retired():
		return nil, reject(op, itemID, ErrItemRetired)
	default:
		return nil, reject(op, itemID, ErrNothingToConfirm)
	}
}

func (l *Ledger) confirm(ctx context.Context, q db.Querier, op string, active *model.TransferRecord) (*model.TransferRecord, error) {
	if !active.InTransit() {
		return nil, reject(op, active.ItemID, ErrAlreadyConfirmed)
	}

	ok, err := store.ConfirmTransfer(ctx, q, active.ID, l.timestamp())
	if err != nil {
		return nil, err
	}
	rec, err := store.GetTransfer(ctx, q, active.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if rec != nil && rec.ConfirmedAt != nil {
			return nil, reject(op, active.ItemID, ErrAlreadyConfirmed)
		}
		return nil, reject(op, active.ItemID, ErrConcurrentModification)
	}
	return rec, nil
}

// History returns every transfer record of the item, newest first.
func (l *Ledger) History(ctx context.Context, itemID int64) (recs []model.TransferRecord, err error) {
	const op = "history"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	q := l.querier(ctx)
	item, err := store.GetItem(ctx, q, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, reject(op, itemID, ErrItemNotFound)
	}
	return store.ListItemHistory(ctx, q, itemID)
}

// HeldBy returns the locations of all items currently in the holder's
// custody, confirmed or not.
func (l *Ledger) HeldBy(ctx context.Context, holderID int64) (locs []model.Location, err error) {
	ctx, done := l.begin(ctx, "held_by", 0)
	defer func() { done(&err) }()

	recs, err := store.ListActiveByHolder(ctx, l.querier(ctx), holderID)
	if err != nil {
		return nil, err
	}
	locs = make([]model.Location, 0, len(recs))
	for i := range recs {
		locs = append(locs, *model.LocationOf(&recs[i]))
	}
	return locs, nil
}
