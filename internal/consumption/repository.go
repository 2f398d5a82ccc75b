package consumption

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/datetime"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/lazyinit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("consumption: database handle is required")

// RepositoryConfig describes the dependencies of the consumption repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository persists consumption events.
type Repository struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	initializer *lazyinit.Initializer
}

// NewRepository constructs a repository bound to the shared database handle.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := cfg.Database
	return &Repository{
		db:     db,
		clock:  clock,
		logger: logger,
		initializer: lazyinit.New(func(ctx context.Context) error {
			migrator := db.WithContext(ctx).Migrator()
			if migrator.HasTable(&Event{}) {
				return nil
			}
			if err := migrator.CreateTable(&Event{}); err != nil {
				return fmt.Errorf("create %s table: %w", TableName, err)
			}
			logger.Info("consumption table created", zap.String("table", TableName))
			return nil
		}),
	}, nil
}

// EnsureInitialized creates the consumption table on first use.
func (r *Repository) EnsureInitialized(ctx context.Context) error {
	return r.initializer.EnsureInitialized(ctx)
}

// WithTx returns a repository that issues statements on tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{
		db:          tx,
		clock:       r.clock,
		logger:      r.logger,
		initializer: r.initializer,
	}
}

// ListAll returns every event, newest first.
func (r *Repository) ListAll(ctx context.Context) ([]Event, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	var events []Event
	if err := r.db.WithContext(ctx).
		Order("DateAdded DESC").
		Order("Id DESC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list consumption events: %w", err)
	}
	return events, nil
}

// ListBySupply returns the events drawn from one bag, newest first.
func (r *Repository) ListBySupply(ctx context.Context, supplyID int64) ([]Event, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	var events []Event
	if err := r.db.WithContext(ctx).
		Where("BagOfCoffeeId = ?", supplyID).
		Order("DateAdded DESC").
		Order("Id DESC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list consumption events for supply %d: %w", supplyID, err)
	}
	return events, nil
}

// GetByID loads a single event.
func (r *Repository) GetByID(ctx context.Context, id int64) (Event, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return Event{}, err
	}
	var event Event
	err := r.db.WithContext(ctx).Where("Id = ?", id).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, fmt.Errorf("%w: id %d", ErrEventNotFound, id)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get consumption event %d: %w", id, err)
	}
	return event, nil
}

// Add inserts an event as given. It does not touch any supply; use the
// tracking coordinator to draw an event from a bag.
func (r *Repository) Add(ctx context.Context, event *Event) (int64, error) {
	if event == nil {
		return 0, errors.New("consumption: event is required")
	}
	if !validOunces(event.Ounces) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOunces, event.Ounces)
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return 0, err
	}

	event.ID = 0
	if event.DateAdded.IsZero() {
		event.DateAdded = datetime.From(r.clock())
	}
	event.DateAdded = event.DateAdded.UTC()

	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return 0, fmt.Errorf("insert consumption event: %w", err)
	}
	return event.ID, nil
}

// Update persists the name, quantity and date of an event. The supply
// reference and the cached bag label are never rewritten, and the linked
// bag is not re-adjusted.
func (r *Repository) Update(ctx context.Context, event Event) error {
	if !validOunces(event.Ounces) {
		return fmt.Errorf("%w: %v", ErrInvalidOunces, event.Ounces)
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Model(&Event{}).
		Where("Id = ?", event.ID).
		Updates(map[string]interface{}{
			"Name":      event.Name,
			"Ounces":    event.Ounces,
			"DateAdded": event.DateAdded.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("update consumption event %d: %w", event.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrEventNotFound, event.ID)
	}
	return nil
}

// Delete removes an event and returns the rows removed. An event that is
// already gone yields 0 without error. Quantity is not credited back.
func (r *Repository) Delete(ctx context.Context, id int64) (int64, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return 0, err
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&Event{}).Where("Id = ?", id).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("check consumption event %d: %w", id, err)
	}
	if count == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Where("Id = ?", id).Delete(&Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete consumption event %d: %w", id, result.Error)
	}
	return result.RowsAffected, nil
}

func validOunces(value float64) bool {
	return value >= 0 && !math.IsNaN(value) && !math.IsInf(value, 0)
}
