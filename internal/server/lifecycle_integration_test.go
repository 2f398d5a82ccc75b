package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/auth"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/database"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/server"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	integrationSigningSecret = "integration-secret"
	jsonContentType          = "application/json"
)

func TestLegacyDatabaseUpgradeAndConsumptionFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "coffee.db")
	store, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	defer store.Close()

	legacySchema := []string{
		`CREATE TABLE "Coffee" ("Id" integer primary key autoincrement not null, "Name" varchar, "Ounces" float, "DateAdded" datetime)`,
		`CREATE TABLE "BagOfCoffee" ("Id" integer primary key autoincrement not null, "Roaster" varchar, "RoastDate" datetime, "Name" varchar, "RoastLevel" integer, "Origin" varchar, "DateAdded" datetime, "TastingNotes" varchar)`,
	}
	for _, statement := range legacySchema {
		if err := store.DB.Exec(statement).Error; err != nil {
			testContext.Fatalf("failed to create legacy schema: %v", err)
		}
	}
	if err := store.DB.Exec(`INSERT INTO "Coffee" ("Name", "Ounces", "DateAdded") VALUES (?, ?, ?)`,
		"Legacy drip", 10.0, time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)).Error; err != nil {
		testContext.Fatalf("failed to insert legacy event: %v", err)
	}

	migrator, err := database.NewMigrator(database.MigratorConfig{Store: store, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct migrator: %v", err)
	}
	report, err := migrator.Migrate(context.Background())
	if err != nil {
		testContext.Fatalf("migration failed: %v", err)
	}
	if report.BackupPath == "" || len(report.ColumnsAdded) != 4 {
		testContext.Fatalf("unexpected migration report %+v", report)
	}

	supplyRepository, err := supplies.NewRepository(supplies.RepositoryConfig{Database: store.DB})
	if err != nil {
		testContext.Fatalf("failed to build supply repository: %v", err)
	}
	consumptionRepository, err := consumption.NewRepository(consumption.RepositoryConfig{Database: store.DB})
	if err != nil {
		testContext.Fatalf("failed to build consumption repository: %v", err)
	}
	dispatcher := server.NewInventoryDispatcher()
	coordinator, err := tracking.NewCoordinator(tracking.CoordinatorConfig{
		Database:    store.DB,
		Supplies:    supplyRepository,
		Consumption: consumptionRepository,
		Publisher:   dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Supplies:       supplyRepository,
		Consumption:    consumptionRepository,
		Coordinator:    coordinator,
		Realtime:       dispatcher,
		TokenValidator: tokenIssuer,
		Location:       time.UTC,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	token, _, err := tokenIssuer.Issue("integration-device")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	send := func(method, path string, body any) *http.Response {
		testContext.Helper()
		var encoded []byte
		if body != nil {
			encoded, _ = json.Marshal(body)
		}
		request, _ := http.NewRequest(method, testServer.URL+path, bytes.NewReader(encoded))
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set("Content-Type", jsonContentType)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			testContext.Fatalf("%s %s failed: %v", method, path, err)
		}
		return response
	}

	supplyResp := send(http.MethodPost, "/supplies", map[string]any{
		"roaster":      "Counter Culture",
		"name":         "Hologram",
		"roast_level":  "MediumDark",
		"total_ounces": 12,
	})
	defer supplyResp.Body.Close()
	if supplyResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected supply status: %d", supplyResp.StatusCode)
	}
	var supply struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(supplyResp.Body).Decode(&supply); err != nil {
		testContext.Fatalf("failed to decode supply: %v", err)
	}

	firstResp := send(http.MethodPost, "/consumptions", map[string]any{"name": "Pour over", "ounces": 5, "supply_id": supply.ID})
	firstResp.Body.Close()
	if firstResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected consumption status: %d", firstResp.StatusCode)
	}

	secondResp := send(http.MethodPost, "/consumptions", map[string]any{"name": "Big mug", "ounces": 8, "supply_id": supply.ID})
	secondResp.Body.Close()
	if secondResp.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected overdraw to conflict, got %d", secondResp.StatusCode)
	}

	supplyCheck := send(http.MethodGet, fmt.Sprintf("/supplies/%d", supply.ID), nil)
	defer supplyCheck.Body.Close()
	var remaining struct {
		RemainingOunces float64 `json:"remaining_ounces"`
		StockLevel      string  `json:"stock_level"`
	}
	if err := json.NewDecoder(supplyCheck.Body).Decode(&remaining); err != nil {
		testContext.Fatalf("failed to decode supply: %v", err)
	}
	if remaining.RemainingOunces != 7 || remaining.StockLevel != string(supplies.StockOK) {
		testContext.Fatalf("unexpected remaining supply %+v", remaining)
	}

	statsResp := send(http.MethodGet, "/statistics", nil)
	defer statsResp.Body.Close()
	var statistics struct {
		TotalOunces float64 `json:"total_ounces"`
		EventCount  int     `json:"event_count"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&statistics); err != nil {
		testContext.Fatalf("failed to decode statistics: %v", err)
	}
	if statistics.EventCount != 2 || statistics.TotalOunces != 15 {
		testContext.Fatalf("expected legacy and new events in statistics, got %+v", statistics)
	}

	unauthorized, err := http.Get(testServer.URL + "/supplies")
	if err != nil {
		testContext.Fatalf("unauthenticated request failed: %v", err)
	}
	unauthorized.Body.Close()
	if unauthorized.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthenticated request to be rejected, got %d", unauthorized.StatusCode)
	}
}
