package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
)

// bindTenant acquires a dedicated connection from db, switches its
// search_path to the tenant's schema, and verifies the switch took effect
// before returning. This is the "scoped binding" from DESIGN NOTES: every
// connection acquisition for a tenant-scoped query must go through here, and
// the binding must be released on every exit path (fn's caller is
// responsible for that via the returned release func).
//
// A mismatch between the intended schema and what Postgres reports active
// is a fatal invariant violation per spec.md §4.1: the tenant-isolation
// guarantee must never degrade into "probably fine."
func bindTenant(ctx context.Context, db *sql.DB, rc reqctx.Request) (*sql.Conn, func(), error) {
	if err := rc.Tenant.Validate(); err != nil {
		return nil, nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	release := func() { _ = conn.Close() }

	schema := rc.Tenant.SchemaName()
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s, reference", pqIdent(schema))); err != nil {
		release()
		return nil, nil, fmt.Errorf("set search_path: %w", err)
	}

	var active string
	if err := conn.QueryRowContext(ctx, "SELECT current_schema()").Scan(&active); err != nil {
		release()
		return nil, nil, fmt.Errorf("verify search_path: %w", err)
	}
	if active != schema {
		release()
		return nil, nil, orcherr.Wrap(orcherr.KindInvariantViolation,
			fmt.Sprintf("tenant isolation breach: expected schema %q, connection bound to %q", schema, active), nil)
	}
	return conn, release, nil
}

// pqIdent quotes an identifier built from a validated tenant.ID, which is
// already restricted to [a-z0-9-] by tenant.ID.Validate. The quoting is
// defense in depth, not the primary safeguard.
func pqIdent(name string) string {
	return `"` + name + `"`
}
