package repository

import (
	"context"
	"database/sql"

	"fieldops/core/models"
)

// ListTruckInventory returns a truck's stock ordered by product
func (g *PostgresGateway) ListTruckInventory(ctx context.Context, truckID string) (items []models.TruckInventoryItem, err error) {
	ctx, end := g.span(ctx, "ListTruckInventory")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT truck_id, product_id, qty, min_qty, origin, updated_at
		FROM truck_inventory
		WHERE org_id = $1 AND truck_id = $2
		ORDER BY product_id`, g.orgID, truckID)
	if err != nil {
		return nil, Normalize("ListTruckInventory", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.TruckInventoryItem
		var minQty sql.NullInt64
		if err := rows.Scan(&item.TruckID, &item.ProductID, &item.Qty, &minQty, &item.Origin, &item.UpdatedAt); err != nil {
			return nil, Normalize("ListTruckInventory", err)
		}
		if minQty.Valid {
			v := int(minQty.Int64)
			item.MinQty = &v
		}
		items = append(items, item)
	}
	return items, Normalize("ListTruckInventory", rows.Err())
}

// UpsertTruckInventory sets the quantity for (truck, product). min_qty and origin keep their
// stored values when the item leaves them empty.
func (g *PostgresGateway) UpsertTruckInventory(ctx context.Context, item models.TruckInventoryItem) (err error) {
	ctx, end := g.span(ctx, "UpsertTruckInventory")
	defer func() { end(err) }()

	if item.TruckID == "" || item.ProductID == "" {
		return Errorf(KindValidation, "UpsertTruckInventory", "truck_id and product_id are required")
	}
	var minQty sql.NullInt64
	if item.MinQty != nil {
		minQty = sql.NullInt64{Int64: int64(*item.MinQty), Valid: true}
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO truck_inventory (org_id, truck_id, product_id, qty, min_qty, origin, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, truck_id, product_id) DO UPDATE SET
			qty = EXCLUDED.qty,
			min_qty = COALESCE(EXCLUDED.min_qty, truck_inventory.min_qty),
			origin = COALESCE(NULLIF(EXCLUDED.origin, ''), truck_inventory.origin),
			updated_at = EXCLUDED.updated_at`,
		g.orgID, item.TruckID, item.ProductID, item.Qty, minQty, item.Origin, g.now())
	return Normalize("UpsertTruckInventory", err)
}

// AddJobPart moves qty units from the truck to the job
func (g *PostgresGateway) AddJobPart(ctx context.Context, change models.JobPartChange) (err error) {
	ctx, end := g.span(ctx, "AddJobPart")
	defer func() { end(err) }()
	return g.movePart(ctx, "AddJobPart", change, change.Qty)
}

// RemoveJobPart returns qty units from the job to the truck
func (g *PostgresGateway) RemoveJobPart(ctx context.Context, change models.JobPartChange) (err error) {
	ctx, end := g.span(ctx, "RemoveJobPart")
	defer func() { end(err) }()
	return g.movePart(ctx, "RemoveJobPart", change, -change.Qty)
}

func (g *PostgresGateway) movePart(ctx context.Context, op string, change models.JobPartChange, delta int) error {
	if change.Qty <= 0 {
		return Errorf(KindValidation, op, "qty must be positive")
	}
	now := g.now()
	return g.inTx(ctx, op, func(tx *sql.Tx) error {
		var locked string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE org_id = $1 AND id = $2 FOR UPDATE`, g.orgID, change.JobID).Scan(&locked); err != nil {
			if err == sql.ErrNoRows {
				return Errorf(KindNotFound, op, "job %s not found", change.JobID)
			}
			return err
		}

		current := 0
		err := tx.QueryRowContext(ctx, `
			SELECT qty FROM job_parts WHERE org_id = $1 AND job_id = $2 AND product_id = $3`,
			g.orgID, change.JobID, change.ProductID).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if current+delta < 0 {
			return Errorf(KindValidation, op, "job %s has only %d of %s", change.JobID, current, change.ProductID)
		}

		if current+delta == 0 {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM job_parts WHERE org_id = $1 AND job_id = $2 AND product_id = $3`,
				g.orgID, change.JobID, change.ProductID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO job_parts (org_id, job_id, product_id, truck_id, qty, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (org_id, job_id, product_id) DO UPDATE SET
					qty = job_parts.qty + $5, truck_id = EXCLUDED.truck_id, updated_at = EXCLUDED.updated_at`,
				g.orgID, change.JobID, change.ProductID, change.TruckID, delta, now)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO truck_inventory (org_id, truck_id, product_id, qty, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (org_id, truck_id, product_id) DO UPDATE SET
				qty = truck_inventory.qty + $4, updated_at = EXCLUDED.updated_at`,
			g.orgID, change.TruckID, change.ProductID, -delta, now)
		return err
	})
}

func (g *PostgresGateway) ListJobParts(ctx context.Context, jobID string) (parts []models.JobPart, err error) {
	ctx, end := g.span(ctx, "ListJobParts")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT job_id, product_id, truck_id, qty, updated_at
		FROM job_parts
		WHERE org_id = $1 AND job_id = $2
		ORDER BY product_id`, g.orgID, jobID)
	if err != nil {
		return nil, Normalize("ListJobParts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.JobPart
		if err := rows.Scan(&p.JobID, &p.ProductID, &p.TruckID, &p.Qty, &p.UpdatedAt); err != nil {
			return nil, Normalize("ListJobParts", err)
		}
		parts = append(parts, p)
	}
	return parts, Normalize("ListJobParts", rows.Err())
}
