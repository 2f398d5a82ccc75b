package tracking

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type trackingFixture struct {
	db          *gorm.DB
	supplies    *supplies.Repository
	consumption *consumption.Repository
	coordinator *Coordinator
	publisher   *recordingPublisher
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []InventoryChange
}

func (p *recordingPublisher) PublishInventoryChange(change InventoryChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) snapshot() []InventoryChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InventoryChange(nil), p.changes...)
}

func newTrackingFixture(t *testing.T) trackingFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coffee.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	clock := func() time.Time {
		return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	}
	supplyRepository, err := supplies.NewRepository(supplies.RepositoryConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build supply repository: %v", err)
	}
	consumptionRepository, err := consumption.NewRepository(consumption.RepositoryConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build consumption repository: %v", err)
	}
	publisher := &recordingPublisher{}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database:    db,
		Supplies:    supplyRepository,
		Consumption: consumptionRepository,
		Publisher:   publisher,
		Clock:       clock,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return trackingFixture{
		db:          db,
		supplies:    supplyRepository,
		consumption: consumptionRepository,
		coordinator: coordinator,
		publisher:   publisher,
	}
}

func (f trackingFixture) mustAddSupply(t *testing.T, total, remaining float64) supplies.Supply {
	t.Helper()
	supply := supplies.Supply{Roaster: "Onyx", Name: "Monarch", TotalOunces: total}
	if _, err := f.supplies.Add(context.Background(), &supply); err != nil {
		t.Fatalf("failed to add supply: %v", err)
	}
	if remaining != total {
		supply.RemainingOunces = remaining
		if err := f.supplies.Update(context.Background(), supply); err != nil {
			t.Fatalf("failed to set remaining ounces: %v", err)
		}
	}
	return supply
}

func TestAddConsumptionDecrementsSupply(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 12, 12)

	event := consumption.Event{Name: "Pour over", Ounces: 5, BagOfCoffeeID: supply.ID}
	id, err := fixture.coordinator.AddConsumption(context.Background(), &event)
	if err != nil {
		t.Fatalf("add consumption failed: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected event id to be assigned")
	}

	stored, err := fixture.supplies.GetByID(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to reload supply: %v", err)
	}
	if stored.RemainingOunces != 7 {
		t.Fatalf("expected 7 ounces remaining, got %v", stored.RemainingOunces)
	}

	events, err := fixture.consumption.ListAll(context.Background())
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].BagOfCoffeeID != supply.ID {
		t.Fatalf("expected event to reference supply %d, got %d", supply.ID, events[0].BagOfCoffeeID)
	}
	if events[0].SupplyLabel() != "Onyx - Monarch" {
		t.Fatalf("expected bag label snapshot, got %q", events[0].SupplyLabel())
	}

	changes := fixture.publisher.snapshot()
	if len(changes) != 1 || changes[0].Kind != ChangeConsumptionAdded || changes[0].RemainingOunces != 7 {
		t.Fatalf("unexpected published changes: %+v", changes)
	}
}

func TestAddConsumptionDeclinesInsufficientSupply(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 12, 3)

	event := consumption.Event{Name: "Big mug", Ounces: 5, BagOfCoffeeID: supply.ID}
	_, err := fixture.coordinator.AddConsumption(context.Background(), &event)
	if !errors.Is(err, ErrInsufficientSupply) {
		t.Fatalf("expected insufficient supply error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != "tracking.add_consumption.insufficient_quantity" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}

	stored, err := fixture.supplies.GetByID(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to reload supply: %v", err)
	}
	if stored.RemainingOunces != 3 {
		t.Fatalf("expected remaining ounces to stay at 3, got %v", stored.RemainingOunces)
	}
	events, err := fixture.consumption.ListAll(context.Background())
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
	if len(fixture.publisher.snapshot()) != 0 {
		t.Fatalf("expected nothing published for a declined consumption")
	}
}

func TestAddConsumptionDeclinesMissingSupply(t *testing.T) {
	fixture := newTrackingFixture(t)

	event := consumption.Event{Name: "Ghost", Ounces: 1, BagOfCoffeeID: 404}
	_, err := fixture.coordinator.AddConsumption(context.Background(), &event)
	if !errors.Is(err, ErrInsufficientSupply) {
		t.Fatalf("expected insufficient supply error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "tracking.add_consumption.supply_not_found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddConsumptionWithoutSupplySkipsInventory(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 12, 12)

	event := consumption.Event{Name: "Cafe latte", Ounces: 8}
	if _, err := fixture.coordinator.AddConsumption(context.Background(), &event); err != nil {
		t.Fatalf("add consumption failed: %v", err)
	}

	stored, err := fixture.supplies.GetByID(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to reload supply: %v", err)
	}
	if stored.RemainingOunces != 12 {
		t.Fatalf("expected untouched supply, got %v", stored.RemainingOunces)
	}
	if event.BagName != nil {
		t.Fatalf("expected no bag label for an unlinked event")
	}
}

func TestAddConsumptionRollsBackDecrementWhenInsertFails(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 12, 12)

	insertFailure := errors.New("disk full")
	err := fixture.db.Callback().Create().Before("gorm:create").Register("test:fail_coffee_insert", func(db *gorm.DB) {
		if db.Statement.Table == consumption.TableName {
			_ = db.AddError(insertFailure)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	event := consumption.Event{Name: "Doomed", Ounces: 5, BagOfCoffeeID: supply.ID}
	if _, err := fixture.coordinator.AddConsumption(context.Background(), &event); !errors.Is(err, insertFailure) {
		t.Fatalf("expected insert failure, got %v", err)
	}

	stored, err := fixture.supplies.GetByID(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to reload supply: %v", err)
	}
	if stored.RemainingOunces != 12 {
		t.Fatalf("expected decrement to roll back, got %v remaining", stored.RemainingOunces)
	}
}

func TestDeletingSupplyKeepsHistoricalEvents(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 12, 12)

	event := consumption.Event{Name: "Pour over", Ounces: 5, BagOfCoffeeID: supply.ID}
	if _, err := fixture.coordinator.AddConsumption(context.Background(), &event); err != nil {
		t.Fatalf("add consumption failed: %v", err)
	}
	if _, err := fixture.supplies.Delete(context.Background(), supply.ID); err != nil {
		t.Fatalf("delete supply failed: %v", err)
	}

	stored, err := fixture.consumption.GetByID(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("expected event to survive supply deletion: %v", err)
	}
	if stored.BagOfCoffeeID != supply.ID {
		t.Fatalf("expected dangling supply reference %d, got %d", supply.ID, stored.BagOfCoffeeID)
	}
}

func TestDeletingEventDoesNotRestoreQuantity(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 12, 12)

	event := consumption.Event{Name: "Pour over", Ounces: 5, BagOfCoffeeID: supply.ID}
	if _, err := fixture.coordinator.AddConsumption(context.Background(), &event); err != nil {
		t.Fatalf("add consumption failed: %v", err)
	}
	if _, err := fixture.consumption.Delete(context.Background(), event.ID); err != nil {
		t.Fatalf("delete event failed: %v", err)
	}

	stored, err := fixture.supplies.GetByID(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to reload supply: %v", err)
	}
	if stored.RemainingOunces != 7 {
		t.Fatalf("expected no credit back to supply, got %v", stored.RemainingOunces)
	}
}

func TestConcurrentConsumptionNeverOverdraws(t *testing.T) {
	fixture := newTrackingFixture(t)
	supply := fixture.mustAddSupply(t, 10, 10)

	const workers = 6
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for index := 0; index < workers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := consumption.Event{Name: "Shot", Ounces: 4, BagOfCoffeeID: supply.ID}
			_, err := fixture.coordinator.AddConsumption(context.Background(), &event)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientSupply):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 2 {
		t.Fatalf("expected exactly two successful pours, got %d", succeeded)
	}

	stored, err := fixture.supplies.GetByID(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to reload supply: %v", err)
	}
	if stored.RemainingOunces != 2 {
		t.Fatalf("expected 2 ounces remaining, got %v", stored.RemainingOunces)
	}
	events, err := fixture.consumption.ListBySupply(context.Background(), supply.ID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two recorded events, got %d", len(events))
	}
}

func TestStatisticsSummarizesEvents(t *testing.T) {
	fixture := newTrackingFixture(t)
	for _, ounces := range []float64{8, 4.5} {
		event := consumption.Event{Name: "Cup", Ounces: ounces}
		if _, err := fixture.coordinator.AddConsumption(context.Background(), &event); err != nil {
			t.Fatalf("add consumption failed: %v", err)
		}
	}

	stats, err := fixture.coordinator.Statistics(context.Background(), time.UTC, 7)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.TotalOunces != 12.5 || stats.EventCount != 2 || len(stats.Days) != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	if _, err := NewCoordinator(CoordinatorConfig{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
