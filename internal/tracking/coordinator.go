// Package tracking ties consumption events to the bags they are drawn from.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientSupply indicates the referenced bag is missing or holds
	// less coffee than the event consumes.
	ErrInsufficientSupply = errors.New("tracking: insufficient supply")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingSupplies    = errors.New("supply repository is required")
	errMissingConsumption = errors.New("consumption repository is required")
	errMissingEvent       = errors.New("consumption event is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a dotted failure code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opCoordinatorNew = "tracking.coordinator.new"
	opAddConsumption = "tracking.add_consumption"
	opStatistics     = "tracking.statistics"
)

const (
	reasonSupplyNotFound       = "supply_not_found"
	reasonInsufficientQuantity = "insufficient_quantity"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChangeKind names an inventory notification.
type ChangeKind string

const (
	ChangeConsumptionAdded ChangeKind = "consumption_added"
	ChangeSupplyAdded      ChangeKind = "supply_added"
	ChangeSupplyUpdated    ChangeKind = "supply_updated"
	ChangeSupplyDeleted    ChangeKind = "supply_deleted"
)

// InventoryChange is published after a committed inventory mutation.
type InventoryChange struct {
	Kind            ChangeKind
	SupplyID        int64
	EventID         int64
	RemainingOunces float64
	Timestamp       time.Time
}

// Publisher receives committed inventory changes.
type Publisher interface {
	PublishInventoryChange(change InventoryChange)
}

// CoordinatorConfig describes the dependencies of the coordinator.
type CoordinatorConfig struct {
	Database    *gorm.DB
	Supplies    *supplies.Repository
	Consumption *consumption.Repository
	Publisher   Publisher
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Coordinator enforces that an event drawn from a bag never consumes more
// than the bag held when the event was recorded.
type Coordinator struct {
	db          *gorm.DB
	supplies    *supplies.Repository
	consumption *consumption.Repository
	publisher   Publisher
	clock       func() time.Time
	logger      *zap.Logger
}

// NewCoordinator validates dependencies and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Supplies == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_supplies", errMissingSupplies)
	}
	if cfg.Consumption == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_consumption", errMissingConsumption)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		db:          cfg.Database,
		supplies:    cfg.Supplies,
		consumption: cfg.Consumption,
		publisher:   cfg.Publisher,
		clock:       clock,
		logger:      logger,
	}, nil
}

// AddConsumption records an event. When the event references a bag, the
// bag is decremented by the event's ounces and the event inserted in one
// transaction; a declined decrement aborts the whole operation with an
// error wrapping ErrInsufficientSupply and nothing is written.
func (c *Coordinator) AddConsumption(ctx context.Context, event *consumption.Event) (int64, error) {
	if event == nil {
		return 0, newServiceError(opAddConsumption, "missing_event", errMissingEvent)
	}
	if event.Ounces < 0 || math.IsNaN(event.Ounces) || math.IsInf(event.Ounces, 0) {
		return 0, newServiceError(opAddConsumption, "invalid_ounces", consumption.ErrInvalidOunces)
	}

	// table creation runs on the root handle; the pool holds a single
	// connection, so it must not happen inside the transaction below
	if err := c.supplies.EnsureInitialized(ctx); err != nil {
		c.logError(opAddConsumption, "initialize_failed", err)
		return 0, newServiceError(opAddConsumption, "initialize_failed", err)
	}
	if err := c.consumption.EnsureInitialized(ctx); err != nil {
		c.logError(opAddConsumption, "initialize_failed", err)
		return 0, newServiceError(opAddConsumption, "initialize_failed", err)
	}

	if !event.HasSupply() {
		id, err := c.consumption.Add(ctx, event)
		if err != nil {
			c.logError(opAddConsumption, "insert_failed", err)
			return 0, newServiceError(opAddConsumption, "insert_failed", err)
		}
		c.publish(InventoryChange{Kind: ChangeConsumptionAdded, EventID: id})
		return id, nil
	}

	supplyID := event.BagOfCoffeeID
	var remaining float64
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		supplyRepository := c.supplies.WithTx(tx)

		outcome, err := supplyRepository.Decrement(ctx, supplyID, event.Ounces)
		if err != nil {
			c.logError(opAddConsumption, "decrement_failed", err, zap.Int64("supply_id", supplyID))
			return newServiceError(opAddConsumption, "decrement_failed", err)
		}
		switch outcome {
		case supplies.DecrementApplied:
		case supplies.DecrementSupplyNotFound:
			return newServiceError(opAddConsumption, reasonSupplyNotFound,
				fmt.Errorf("%w: supply %d does not exist", ErrInsufficientSupply, supplyID))
		default:
			return newServiceError(opAddConsumption, reasonInsufficientQuantity,
				fmt.Errorf("%w: supply %d holds less than %.2foz", ErrInsufficientSupply, supplyID, event.Ounces))
		}

		supply, err := supplyRepository.GetByID(ctx, supplyID)
		if err != nil {
			c.logError(opAddConsumption, "supply_reload_failed", err, zap.Int64("supply_id", supplyID))
			return newServiceError(opAddConsumption, "supply_reload_failed", err)
		}
		remaining = supply.RemainingOunces
		if event.BagName == nil || strings.TrimSpace(*event.BagName) == "" {
			label := supply.Label()
			event.BagName = &label
		}

		if _, err := c.consumption.WithTx(tx).Add(ctx, event); err != nil {
			c.logError(opAddConsumption, "insert_failed", err, zap.Int64("supply_id", supplyID))
			return newServiceError(opAddConsumption, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		event.ID = 0
		if errors.Is(txErr, ErrInsufficientSupply) {
			c.loggerOrDefault().Info("consumption declined",
				zap.Int64("supply_id", supplyID),
				zap.Float64("ounces", event.Ounces),
				zap.Error(txErr))
		}
		return 0, txErr
	}

	c.publish(InventoryChange{
		Kind:            ChangeConsumptionAdded,
		SupplyID:        supplyID,
		EventID:         event.ID,
		RemainingOunces: remaining,
	})
	return event.ID, nil
}

// Statistics summarises every recorded event for the chart window.
func (c *Coordinator) Statistics(ctx context.Context, loc *time.Location, days int) (consumption.Statistics, error) {
	events, err := c.consumption.ListAll(ctx)
	if err != nil {
		c.logError(opStatistics, "query_failed", err)
		return consumption.Statistics{}, newServiceError(opStatistics, "query_failed", err)
	}
	return consumption.Summarize(events, loc, days), nil
}

// NotifySupplyChange publishes a supply mutation performed outside the
// coordinator, such as an administrative update or a delete.
func (c *Coordinator) NotifySupplyChange(kind ChangeKind, supply supplies.Supply) {
	c.publish(InventoryChange{
		Kind:            kind,
		SupplyID:        supply.ID,
		RemainingOunces: supply.RemainingOunces,
	})
}

func (c *Coordinator) publish(change InventoryChange) {
	if c.publisher == nil {
		return
	}
	change.Timestamp = c.clock().UTC()
	c.publisher.PublishInventoryChange(change)
}

func (c *Coordinator) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("tracking coordinator error", attrs...)
}
