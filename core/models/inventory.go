package models

import "time"

// TruckInventoryItem is the quantity of one product carried by a truck.
// Keyed by (TruckID, ProductID).
type TruckInventoryItem struct {
	TruckID   string    `json:"truck_id"`
	ProductID string    `json:"product_id"`
	Qty       int       `json:"qty"`
	MinQty    *int      `json:"min_qty,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsRestock reports whether the item is below its configured minimum.
func (i TruckInventoryItem) NeedsRestock() bool {
	return i.MinQty != nil && i.Qty < *i.MinQty
}

// JobPart is the quantity of one product used on a job. Keyed by (JobID, ProductID).
type JobPart struct {
	JobID     string    `json:"job_id"`
	ProductID string    `json:"product_id"`
	TruckID   string    `json:"truck_id"`
	Qty       int       `json:"qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobPartChange moves Qty units of a product between a truck and a job
type JobPartChange struct {
	JobID     string `json:"job_id"`
	TruckID   string `json:"truck_id"`
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// MiscPart is an ad-hoc part that is not stocked; it is logged but never debited
type MiscPart struct {
	Description string  `json:"description"`
	Qty         int     `json:"qty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
}
