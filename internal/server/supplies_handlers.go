package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/datetime"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
	"github.com/gin-gonic/gin"
)

type supplyRequestPayload struct {
	Roaster         string     `json:"roaster" binding:"max=200"`
	Name            string     `json:"name" binding:"required,max=200"`
	RoastLevel      string     `json:"roast_level"`
	RoastDate       *time.Time `json:"roast_date"`
	Origin          string     `json:"origin" binding:"max=200"`
	TastingNotes    string     `json:"tasting_notes" binding:"max=2000"`
	TotalOunces     *float64   `json:"total_ounces" binding:"required,gte=0"`
	RemainingOunces *float64   `json:"remaining_ounces" binding:"omitempty,gte=0"`
}

type supplyPayload struct {
	ID                    int64     `json:"id"`
	Roaster               string    `json:"roaster"`
	Name                  string    `json:"name"`
	RoastLevel            string    `json:"roast_level"`
	RoastLevelDescription string    `json:"roast_level_description"`
	RoastDate             time.Time `json:"roast_date"`
	Origin                string    `json:"origin"`
	TastingNotes          string    `json:"tasting_notes"`
	DateAdded             time.Time `json:"date_added"`
	TotalOunces           float64   `json:"total_ounces"`
	RemainingOunces       float64   `json:"remaining_ounces"`
	PercentRemaining      float64   `json:"percent_remaining"`
	StockLevel            string    `json:"stock_level"`
	DisplayName           string    `json:"display_name"`
}

func newSupplyPayload(supply supplies.Supply) supplyPayload {
	return supplyPayload{
		ID:                    supply.ID,
		Roaster:               supply.Roaster,
		Name:                  supply.Name,
		RoastLevel:            supply.RoastLevel.String(),
		RoastLevelDescription: supply.RoastLevel.Description(),
		RoastDate:             supply.RoastDate.Time,
		Origin:                supply.Origin,
		TastingNotes:          supply.TastingNotes,
		DateAdded:             supply.DateAdded.Time,
		TotalOunces:           supply.TotalOunces,
		RemainingOunces:       supply.RemainingOunces,
		PercentRemaining:      supply.PercentRemaining(),
		StockLevel:            string(supply.StockLevel()),
		DisplayName:           supply.DisplayName(),
	}
}

// applyTo copies the request onto supply. An absent roast level means Medium.
func (p supplyRequestPayload) applyTo(supply *supplies.Supply, now time.Time) bool {
	level := supplies.RoastMedium
	if strings.TrimSpace(p.RoastLevel) != "" {
		parsed, err := supplies.ParseRoastLevel(p.RoastLevel)
		if err != nil {
			return false
		}
		level = parsed
	}
	supply.Roaster = strings.TrimSpace(p.Roaster)
	supply.Name = strings.TrimSpace(p.Name)
	supply.RoastLevel = level
	supply.Origin = strings.TrimSpace(p.Origin)
	supply.TastingNotes = p.TastingNotes
	if p.RoastDate != nil {
		supply.RoastDate = datetime.From(*p.RoastDate)
	} else if supply.RoastDate.IsZero() {
		supply.RoastDate = datetime.From(now)
	}
	supply.TotalOunces = *p.TotalOunces
	if p.RemainingOunces != nil {
		supply.RemainingOunces = *p.RemainingOunces
	}
	return true
}

func (h *httpHandler) handleListSupplies(c *gin.Context) {
	var (
		list []supplies.Supply
		err  error
	)
	if c.Query("available") == "true" {
		list, err = h.supplies.ListAvailable(c.Request.Context())
	} else {
		list, err = h.supplies.ListAll(c.Request.Context())
	}
	if err != nil {
		h.respondInternalError(c, "failed to list supplies", err)
		return
	}
	response := make([]supplyPayload, 0, len(list))
	for _, supply := range list {
		response = append(response, newSupplyPayload(supply))
	}
	c.JSON(http.StatusOK, gin.H{"supplies": response})
}

func (h *httpHandler) handleGetSupply(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	supply, err := h.supplies.GetByID(c.Request.Context(), id)
	if errors.Is(err, supplies.ErrSupplyNotFound) {
		respondNotFound(c)
		return
	}
	if err != nil {
		h.respondInternalError(c, "failed to load supply", err)
		return
	}
	c.JSON(http.StatusOK, newSupplyPayload(supply))
}

func (h *httpHandler) handleCreateSupply(c *gin.Context) {
	var request supplyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	var supply supplies.Supply
	if !request.applyTo(&supply, h.clock()) {
		respondInvalidRequest(c, "roast_level")
		return
	}

	if _, err := h.supplies.Add(c.Request.Context(), &supply); err != nil {
		if errors.Is(err, supplies.ErrInvalidQuantity) {
			respondInvalidRequest(c, "total_ounces")
			return
		}
		h.respondInternalError(c, "failed to add supply", err)
		return
	}
	h.coordinator.NotifySupplyChange(tracking.ChangeSupplyAdded, supply)
	c.JSON(http.StatusCreated, newSupplyPayload(supply))
}

func (h *httpHandler) handleUpdateSupply(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var request supplyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	ctx := c.Request.Context()
	supply, err := h.supplies.GetByID(ctx, id)
	if errors.Is(err, supplies.ErrSupplyNotFound) {
		respondNotFound(c)
		return
	}
	if err != nil {
		h.respondInternalError(c, "failed to load supply", err)
		return
	}
	if !request.applyTo(&supply, h.clock()) {
		respondInvalidRequest(c, "roast_level")
		return
	}

	// Without an explicit remainder the stored one is left alone so a
	// consumption recorded since the read above is not overwritten.
	if request.RemainingOunces == nil {
		err = h.supplies.UpdateDetails(ctx, supply)
	} else {
		err = h.supplies.Update(ctx, supply)
	}
	switch {
	case err == nil:
	case errors.Is(err, supplies.ErrSupplyNotFound):
		respondNotFound(c)
		return
	case errors.Is(err, supplies.ErrQuantityOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeQuantityOutOfRange})
		return
	case errors.Is(err, supplies.ErrInvalidQuantity):
		respondInvalidRequest(c, "total_ounces", "remaining_ounces")
		return
	default:
		h.respondInternalError(c, "failed to update supply", err)
		return
	}
	supply, err = h.supplies.GetByID(ctx, id)
	if errors.Is(err, supplies.ErrSupplyNotFound) {
		respondNotFound(c)
		return
	}
	if err != nil {
		h.respondInternalError(c, "failed to reload supply", err)
		return
	}
	h.coordinator.NotifySupplyChange(tracking.ChangeSupplyUpdated, supply)
	c.JSON(http.StatusOK, newSupplyPayload(supply))
}

func (h *httpHandler) handleDeleteSupply(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	supply, err := h.supplies.GetByID(ctx, id)
	if errors.Is(err, supplies.ErrSupplyNotFound) {
		respondNotFound(c)
		return
	}
	if err != nil {
		h.respondInternalError(c, "failed to load supply", err)
		return
	}
	removed, err := h.supplies.Delete(ctx, id)
	if err != nil {
		h.respondInternalError(c, "failed to delete supply", err)
		return
	}
	if removed == 0 {
		respondNotFound(c)
		return
	}
	h.coordinator.NotifySupplyChange(tracking.ChangeSupplyDeleted, supply)
	c.Status(http.StatusNoContent)
}
