package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/datetime"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
	"github.com/gin-gonic/gin"
)

type consumptionRequestPayload struct {
	Name      string     `json:"name" binding:"max=200"`
	Ounces    *float64   `json:"ounces" binding:"required,gte=0"`
	DateAdded *time.Time `json:"date_added"`
	SupplyID  int64      `json:"supply_id" binding:"gte=0"`
	BagName   string     `json:"bag_name" binding:"max=400"`
}

type consumptionPayload struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Ounces    float64   `json:"ounces"`
	DateAdded time.Time `json:"date_added"`
	SupplyID  int64     `json:"supply_id"`
	BagName   *string   `json:"bag_name"`
}

type dailyTotalPayload struct {
	Date   string  `json:"date"`
	Ounces float64 `json:"ounces"`
	Count  int     `json:"count"`
}

type statisticsPayload struct {
	TotalOunces float64             `json:"total_ounces"`
	EventCount  int                 `json:"event_count"`
	Days        []dailyTotalPayload `json:"days"`
}

type dayGroupPayload struct {
	Date         string               `json:"date"`
	TotalOunces  float64              `json:"total_ounces"`
	Consumptions []consumptionPayload `json:"consumptions"`
}

const dayLayout = "2006-01-02"

func newConsumptionPayload(event consumption.Event) consumptionPayload {
	return consumptionPayload{
		ID:        event.ID,
		Name:      event.Name,
		Ounces:    event.Ounces,
		DateAdded: event.DateAdded.Time,
		SupplyID:  event.BagOfCoffeeID,
		BagName:   event.BagName,
	}
}

func newConsumptionPayloads(events []consumption.Event) []consumptionPayload {
	payloads := make([]consumptionPayload, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, newConsumptionPayload(event))
	}
	return payloads
}

func (h *httpHandler) handleListConsumptions(c *gin.Context) {
	var (
		events []consumption.Event
		err    error
	)
	if raw := c.Query("supply_id"); raw != "" {
		supplyID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || supplyID < 0 {
			respondInvalidRequest(c, "supply_id")
			return
		}
		events, err = h.consumption.ListBySupply(c.Request.Context(), supplyID)
	} else {
		events, err = h.consumption.ListAll(c.Request.Context())
	}
	if err != nil {
		h.respondInternalError(c, "failed to list consumptions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumptions": newConsumptionPayloads(events)})
}

func (h *httpHandler) handleConsumptionDays(c *gin.Context) {
	events, err := h.consumption.ListAll(c.Request.Context())
	if err != nil {
		h.respondInternalError(c, "failed to list consumptions", err)
		return
	}
	groups := consumption.GroupByDay(events, h.location)
	response := make([]dayGroupPayload, 0, len(groups))
	for _, group := range groups {
		response = append(response, dayGroupPayload{
			Date:         group.Date.Format(dayLayout),
			TotalOunces:  group.TotalOunces,
			Consumptions: newConsumptionPayloads(group.Events),
		})
	}
	c.JSON(http.StatusOK, gin.H{"days": response})
}

func (h *httpHandler) handleCreateConsumption(c *gin.Context) {
	var request consumptionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	event := consumption.Event{
		Name:          strings.TrimSpace(request.Name),
		Ounces:        *request.Ounces,
		BagOfCoffeeID: request.SupplyID,
	}
	if request.DateAdded != nil {
		event.DateAdded = datetime.From(*request.DateAdded)
	}
	if bagName := strings.TrimSpace(request.BagName); bagName != "" {
		event.BagName = &bagName
	}

	_, err := h.coordinator.AddConsumption(c.Request.Context(), &event)
	if err != nil {
		var serviceErr *tracking.ServiceError
		switch {
		case errors.Is(err, tracking.ErrInsufficientSupply):
			body := gin.H{"error": errorCodeInsufficientSupply}
			if errors.As(err, &serviceErr) {
				body["code"] = serviceErr.Code()
			}
			c.JSON(http.StatusConflict, body)
		case errors.Is(err, consumption.ErrInvalidOunces):
			respondInvalidRequest(c, "ounces")
		default:
			h.respondInternalError(c, "failed to add consumption", err)
		}
		return
	}
	c.JSON(http.StatusCreated, newConsumptionPayload(event))
}

func (h *httpHandler) handleUpdateConsumption(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var request consumptionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	ctx := c.Request.Context()
	event, err := h.consumption.GetByID(ctx, id)
	if errors.Is(err, consumption.ErrEventNotFound) {
		respondNotFound(c)
		return
	}
	if err != nil {
		h.respondInternalError(c, "failed to load consumption", err)
		return
	}
	event.Name = strings.TrimSpace(request.Name)
	event.Ounces = *request.Ounces
	if request.DateAdded != nil {
		event.DateAdded = datetime.From(*request.DateAdded)
	}

	err = h.consumption.Update(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, consumption.ErrEventNotFound):
		respondNotFound(c)
		return
	case errors.Is(err, consumption.ErrInvalidOunces):
		respondInvalidRequest(c, "ounces")
		return
	default:
		h.respondInternalError(c, "failed to update consumption", err)
		return
	}
	event.DateAdded = event.DateAdded.UTC()
	c.JSON(http.StatusOK, newConsumptionPayload(event))
}

func (h *httpHandler) handleDeleteConsumption(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	removed, err := h.consumption.Delete(c.Request.Context(), id)
	if err != nil {
		h.respondInternalError(c, "failed to delete consumption", err)
		return
	}
	if removed == 0 {
		respondNotFound(c)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStatistics(c *gin.Context) {
	days := h.statisticsDays
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondInvalidRequest(c, "days")
			return
		}
		days = parsed
	}

	statistics, err := h.coordinator.Statistics(c.Request.Context(), h.location, days)
	if err != nil {
		h.respondInternalError(c, "failed to compute statistics", err)
		return
	}
	response := statisticsPayload{
		TotalOunces: statistics.TotalOunces,
		EventCount:  statistics.EventCount,
		Days:        make([]dailyTotalPayload, 0, len(statistics.Days)),
	}
	for _, day := range statistics.Days {
		response.Days = append(response.Days, dailyTotalPayload{
			Date:   day.Date.Format(dayLayout),
			Ounces: day.Ounces,
			Count:  day.Count,
		})
	}
	c.JSON(http.StatusOK, response)
}
