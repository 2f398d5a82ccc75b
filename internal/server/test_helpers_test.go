package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var fixtureNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type apiFixture struct {
	db          *gorm.DB
	handler     http.Handler
	supplies    *supplies.Repository
	consumption *consumption.Repository
	realtime    *InventoryDispatcher
}

func newAPIFixture(t *testing.T, validator TokenValidator) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	clock := func() time.Time { return fixtureNow }
	supplyRepository, err := supplies.NewRepository(supplies.RepositoryConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build supply repository: %v", err)
	}
	consumptionRepository, err := consumption.NewRepository(consumption.RepositoryConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build consumption repository: %v", err)
	}
	dispatcher := NewInventoryDispatcher()
	coordinator, err := tracking.NewCoordinator(tracking.CoordinatorConfig{
		Database:    db,
		Supplies:    supplyRepository,
		Consumption: consumptionRepository,
		Publisher:   dispatcher,
		Clock:       clock,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Supplies:          supplyRepository,
		Consumption:       consumptionRepository,
		Coordinator:       coordinator,
		Realtime:          dispatcher,
		TokenValidator:    validator,
		Location:          time.UTC,
		HeartbeatInterval: 50 * time.Millisecond,
		Clock:             clock,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return apiFixture{
		db:          db,
		handler:     handler,
		supplies:    supplyRepository,
		consumption: consumptionRepository,
		realtime:    dispatcher,
	}
}

func (f apiFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f apiFixture) mustAddSupply(t *testing.T, name string, total float64) supplies.Supply {
	t.Helper()
	supply := supplies.Supply{Roaster: "Onyx", Name: name, RoastLevel: supplies.RoastMedium, TotalOunces: total}
	if _, err := f.supplies.Add(context.Background(), &supply); err != nil {
		t.Fatalf("failed to add supply: %v", err)
	}
	return supply
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func floatPointer(value float64) *float64 {
	return &value
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, target, http.NoBody)
}

func serve(handler http.Handler, request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
