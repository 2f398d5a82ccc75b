package consumption

import (
	"errors"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/datetime"
)

// TableName of the consumption table inside coffee.db.
const TableName = "Coffee"

var (
	// ErrEventNotFound indicates the requested consumption event does not exist.
	ErrEventNotFound = errors.New("consumption: event not found")
	// ErrInvalidOunces indicates a negative or non-numeric quantity.
	ErrInvalidOunces = errors.New("consumption: invalid ounces")
)

// NoSupply is the supply reference of an event not drawn from any bag.
const NoSupply int64 = 0

// Event is one brewed coffee. BagName is a snapshot of the bag label taken
// when the event was recorded; renaming the bag later does not change it.
type Event struct {
	ID            int64         `gorm:"column:Id;primaryKey;autoIncrement"`
	Name          string        `gorm:"column:Name"`
	Ounces        float64       `gorm:"column:Ounces"`
	DateAdded     datetime.Time `gorm:"column:DateAdded"`
	BagOfCoffeeID int64         `gorm:"column:BagOfCoffeeId;not null;default:0;index:idx_Coffee_BagOfCoffeeId"`
	BagName       *string       `gorm:"column:BagName"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return TableName
}

// HasSupply reports whether the event references a bag.
func (e Event) HasSupply() bool {
	return e.BagOfCoffeeID != NoSupply
}

// SupplyLabel returns the cached bag label or an empty string.
func (e Event) SupplyLabel() string {
	if e.BagName == nil {
		return ""
	}
	return *e.BagName
}
