package db

import (
	"context"
	"fmt"
)

// IsTenantMember reports whether recipientID is an active member of tenantID.
func (d *DB) IsTenantMember(ctx context.Context, tenantID, recipientID string) (bool, error) {
	var active bool
	err := d.Pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM tenant_members
            WHERE tenant_id = $1 AND recipient_id = $2 AND active
        )`, tenantID, recipientID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %s in %s: %w", recipientID, tenantID, err)
	}
	return active, nil
}
