package supplies

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/datetime"
)

// TableName of the supply table inside coffee.db.
const TableName = "BagOfCoffee"

var (
	// ErrSupplyNotFound indicates the requested bag does not exist.
	ErrSupplyNotFound = errors.New("supplies: supply not found")
	// ErrInvalidQuantity indicates a negative or non-numeric quantity.
	ErrInvalidQuantity = errors.New("supplies: invalid quantity")
	// ErrQuantityOutOfRange indicates remaining ounces outside [0, total].
	ErrQuantityOutOfRange = errors.New("supplies: remaining quantity out of range")
	// ErrInvalidRoastLevel indicates an unknown roast level name.
	ErrInvalidRoastLevel = errors.New("supplies: invalid roast level")
)

// RoastLevel enumerates roast categories. Values are persisted as ordinals.
type RoastLevel int

const (
	RoastLight RoastLevel = iota
	RoastMediumLight
	RoastMedium
	RoastMediumDark
	RoastDark
	RoastItalian
)

var roastLevelNames = [...]string{"Light", "MediumLight", "Medium", "MediumDark", "Dark", "Italian"}

var roastLevelDescriptions = [...]string{
	"Light Roast",
	"Medium Light Roast",
	"Medium Roast",
	"Medium Dark Roast",
	"Dark Roast",
	"Italian Roast",
}

// RoastLevels lists every roast level in ordinal order.
func RoastLevels() []RoastLevel {
	levels := make([]RoastLevel, len(roastLevelNames))
	for index := range roastLevelNames {
		levels[index] = RoastLevel(index)
	}
	return levels
}

// Valid reports whether the ordinal maps to a known roast level.
func (l RoastLevel) Valid() bool {
	return l >= RoastLight && l <= RoastItalian
}

func (l RoastLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("RoastLevel(%d)", int(l))
	}
	return roastLevelNames[l]
}

// Description returns the human label, e.g. "Medium Dark Roast".
func (l RoastLevel) Description() string {
	if !l.Valid() {
		return ""
	}
	return roastLevelDescriptions[l]
}

// MarshalText encodes the level by name.
func (l RoastLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRoastLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *RoastLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRoastLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseRoastLevel matches a level name case-insensitively.
func ParseRoastLevel(raw string) (RoastLevel, error) {
	trimmed := strings.TrimSpace(raw)
	for index, name := range roastLevelNames {
		if strings.EqualFold(name, trimmed) {
			return RoastLevel(index), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRoastLevel, raw)
}

// ParseRoastLevelOrDefault parses raw and falls back to Medium.
func ParseRoastLevelOrDefault(raw string) RoastLevel {
	level, err := ParseRoastLevel(raw)
	if err != nil {
		return RoastMedium
	}
	return level
}

// StockLevel buckets the remaining quantity of a bag.
type StockLevel string

const (
	StockEmpty    StockLevel = "empty"
	StockCritical StockLevel = "critical"
	StockLow      StockLevel = "low"
	StockOK       StockLevel = "ok"
)

const (
	criticalStockOunces = 2.0
	lowStockOunces      = 4.0
)

// Supply is a bag of coffee with a fixed total and a shrinking remainder.
type Supply struct {
	ID              int64         `gorm:"column:Id;primaryKey;autoIncrement"`
	Roaster         string        `gorm:"column:Roaster"`
	RoastDate       datetime.Time `gorm:"column:RoastDate"`
	Name            string        `gorm:"column:Name"`
	RoastLevel      RoastLevel    `gorm:"column:RoastLevel"`
	Origin          string        `gorm:"column:Origin"`
	DateAdded       datetime.Time `gorm:"column:DateAdded"`
	TastingNotes    string        `gorm:"column:TastingNotes"`
	TotalOunces     float64       `gorm:"column:TotalOunces;not null;default:0"`
	RemainingOunces float64       `gorm:"column:RemainingOunces;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Supply) TableName() string {
	return TableName
}

// PercentRemaining returns remaining/total as a percentage, or 0 for an unsized bag.
func (s Supply) PercentRemaining() float64 {
	if s.TotalOunces <= 0 {
		return 0
	}
	return s.RemainingOunces / s.TotalOunces * 100
}

// Label returns "Roaster - Name", the form cached on consumption events.
func (s Supply) Label() string {
	switch {
	case s.Roaster == "":
		return s.Name
	case s.Name == "":
		return s.Roaster
	default:
		return s.Roaster + " - " + s.Name
	}
}

// DisplayName renders "Roaster - Name (7.0oz / 12.0oz)".
func (s Supply) DisplayName() string {
	return fmt.Sprintf("%s - %s (%.1foz / %.1foz)", s.Roaster, s.Name, s.RemainingOunces, s.TotalOunces)
}

// StockLevel classifies how close the bag is to running out.
func (s Supply) StockLevel() StockLevel {
	switch {
	case s.RemainingOunces <= 0:
		return StockEmpty
	case s.RemainingOunces < criticalStockOunces:
		return StockCritical
	case s.RemainingOunces < lowStockOunces:
		return StockLow
	default:
		return StockOK
	}
}

func validQuantity(value float64) bool {
	return value >= 0 && !math.IsNaN(value) && !math.IsInf(value, 0)
}

func validateQuantities(total, remaining float64) error {
	if !validQuantity(total) || !validQuantity(remaining) {
		return ErrInvalidQuantity
	}
	if remaining > total {
		return fmt.Errorf("%w: remaining %.2f exceeds total %.2f", ErrQuantityOutOfRange, remaining, total)
	}
	return nil
}
