package supplies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/datetime"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/lazyinit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("supplies: database handle is required")

// DecrementOutcome reports whether a decrement was applied or why it was declined.
type DecrementOutcome int

const (
	DecrementApplied DecrementOutcome = iota
	DecrementSupplyNotFound
	DecrementInsufficient
	// DecrementFailed accompanies an error; the decrement was neither
	// applied nor declined.
	DecrementFailed
)

func (o DecrementOutcome) String() string {
	switch o {
	case DecrementApplied:
		return "applied"
	case DecrementSupplyNotFound:
		return "supply_not_found"
	case DecrementInsufficient:
		return "insufficient_quantity"
	case DecrementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Applied reports whether the quantity was subtracted.
func (o DecrementOutcome) Applied() bool {
	return o == DecrementApplied
}

// RepositoryConfig describes the dependencies of the supply repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository persists bags of coffee. Every call passes through the lazy
// initializer so the table exists before it is touched.
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
			return createTable(ctx, db, logger)
		}),
	}, nil
}

func createTable(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	migrator := db.WithContext(ctx).Migrator()
	if migrator.HasTable(&Supply{}) {
		return nil
	}
	if err := migrator.CreateTable(&Supply{}); err != nil {
		return fmt.Errorf("create %s table: %w", TableName, err)
	}
	logger.Info("supply table created", zap.String("table", TableName))
	return nil
}

// EnsureInitialized creates the supply table on first use.
func (r *Repository) EnsureInitialized(ctx context.Context) error {
	return r.initializer.EnsureInitialized(ctx)
}

// WithTx returns a repository that issues statements on tx. The table must
// already be initialized; the returned repository shares the gate.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{
		db:          tx,
		clock:       r.clock,
		logger:      r.logger,
		initializer: r.initializer,
	}
}

// ListAll returns every bag, newest first.
func (r *Repository) ListAll(ctx context.Context) ([]Supply, error) {
	return r.list(ctx, false)
}

// ListAvailable returns bags that still hold coffee, newest first.
func (r *Repository) ListAvailable(ctx context.Context) ([]Supply, error) {
	return r.list(ctx, true)
}

func (r *Repository) list(ctx context.Context, availableOnly bool) ([]Supply, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	query := r.db.WithContext(ctx).Model(&Supply{})
	if availableOnly {
		query = query.Where("RemainingOunces > 0")
	}
	var supplies []Supply
	if err := query.Order("DateAdded DESC").Order("Id DESC").Find(&supplies).Error; err != nil {
		return nil, fmt.Errorf("list supplies: %w", err)
	}
	return supplies, nil
}

// GetByID loads a single bag.
func (r *Repository) GetByID(ctx context.Context, id int64) (Supply, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return Supply{}, err
	}
	var supply Supply
	err := r.db.WithContext(ctx).Where("Id = ?", id).Take(&supply).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Supply{}, fmt.Errorf("%w: id %d", ErrSupplyNotFound, id)
	}
	if err != nil {
		return Supply{}, fmt.Errorf("get supply %d: %w", id, err)
	}
	return supply, nil
}

// Add inserts a new bag. The bag always starts full: RemainingOunces is
// overwritten with TotalOunces. The assigned id is written back to supply.
func (r *Repository) Add(ctx context.Context, supply *Supply) (int64, error) {
	if supply == nil {
		return 0, errors.New("supplies: supply is required")
	}
	if !validQuantity(supply.TotalOunces) {
		return 0, fmt.Errorf("%w: total %v", ErrInvalidQuantity, supply.TotalOunces)
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return 0, err
	}

	supply.ID = 0
	supply.RemainingOunces = supply.TotalOunces
	if supply.DateAdded.IsZero() {
		supply.DateAdded = datetime.From(r.clock())
	}
	supply.DateAdded = supply.DateAdded.UTC()
	supply.RoastDate = supply.RoastDate.UTC()

	if err := r.db.WithContext(ctx).Create(supply).Error; err != nil {
		return 0, fmt.Errorf("insert supply: %w", err)
	}
	return supply.ID, nil
}

// Update overwrites every mutable field of an existing bag, including both
// quantities. The remaining quantity must stay within [0, total].
func (r *Repository) Update(ctx context.Context, supply Supply) error {
	if err := validateQuantities(supply.TotalOunces, supply.RemainingOunces); err != nil {
		return err
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&Supply{}).
		Where("Id = ?", supply.ID).
		Updates(map[string]interface{}{
			"Roaster":         supply.Roaster,
			"RoastDate":       supply.RoastDate.UTC(),
			"Name":            supply.Name,
			"RoastLevel":      supply.RoastLevel,
			"Origin":          supply.Origin,
			"TastingNotes":    supply.TastingNotes,
			"TotalOunces":     supply.TotalOunces,
			"RemainingOunces": supply.RemainingOunces,
		})
	if result.Error != nil {
		return fmt.Errorf("update supply %d: %w", supply.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrSupplyNotFound, supply.ID)
	}
	return nil
}

// UpdateDetails persists every mutable field except the remaining
// quantity, which is left to whatever concurrent decrements have made it.
// The write is conditional on the stored remainder fitting the new total,
// so the check and the update cannot interleave with a decrement.
func (r *Repository) UpdateDetails(ctx context.Context, supply Supply) error {
	if !validQuantity(supply.TotalOunces) {
		return fmt.Errorf("%w: total %v", ErrInvalidQuantity, supply.TotalOunces)
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&Supply{}).
		Where("Id = ? AND RemainingOunces <= ?", supply.ID, supply.TotalOunces).
		Updates(map[string]interface{}{
			"Roaster":      supply.Roaster,
			"RoastDate":    supply.RoastDate.UTC(),
			"Name":         supply.Name,
			"RoastLevel":   supply.RoastLevel,
			"Origin":       supply.Origin,
			"TastingNotes": supply.TastingNotes,
			"TotalOunces":  supply.TotalOunces,
		})
	if result.Error != nil {
		return fmt.Errorf("update supply %d: %w", supply.ID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Supply{}).Where("Id = ?", supply.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("check supply %d: %w", supply.ID, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: id %d", ErrSupplyNotFound, supply.ID)
	}
	return fmt.Errorf("%w: remaining exceeds total %.2f", ErrQuantityOutOfRange, supply.TotalOunces)
}

// Delete removes a bag and returns the number of rows removed. Consumption
// events that reference the bag are left untouched.
func (r *Repository) Delete(ctx context.Context, id int64) (int64, error) {
	if err := r.EnsureInitialized(ctx); err != nil {
		return 0, err
	}
	result := r.db.WithContext(ctx).Where("Id = ?", id).Delete(&Supply{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete supply %d: %w", id, result.Error)
	}
	return result.RowsAffected, nil
}

// Decrement subtracts amount from the bag's remaining quantity when enough
// is left. The check and the write are a single conditional UPDATE, so a
// concurrent decrement can never drive the remainder below zero. A declined
// decrement leaves the row unchanged and is reported through the outcome.
func (r *Repository) Decrement(ctx context.Context, id int64, amount float64) (DecrementOutcome, error) {
	if !validQuantity(amount) {
		return DecrementFailed, fmt.Errorf("%w: amount %v", ErrInvalidQuantity, amount)
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return DecrementFailed, err
	}

	result := r.db.WithContext(ctx).
		Model(&Supply{}).
		Where("Id = ? AND RemainingOunces >= ?", id, amount).
		Update("RemainingOunces", gorm.Expr("RemainingOunces - ?", amount))
	if result.Error != nil {
		return DecrementFailed, fmt.Errorf("decrement supply %d: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return DecrementApplied, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Supply{}).Where("Id = ?", id).Count(&count).Error; err != nil {
		return DecrementFailed, fmt.Errorf("check supply %d: %w", id, err)
	}
	outcome := DecrementInsufficient
	if count == 0 {
		outcome = DecrementSupplyNotFound
	}
	r.logger.Debug("supply decrement declined",
		zap.Int64("supply_id", id),
		zap.Float64("amount", amount),
		zap.String("outcome", outcome.String()))
	return outcome, nil
}
