// Package tenant owns tenant identity, Redis key namespacing, and the
// Postgres schema-name derivation used to enforce per-tenant isolation at
// the store layer (C1). The isolation model is adapted from the teacher's
// multi-tenant-isolation package, which namespaces Redis keys per tenant;
// here the same ID additionally maps to a dedicated Postgres schema.
package tenant

import (
	"regexp"

	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
)

// ID is a validated tenant identifier.
type ID string

const (
	minIDLength = 3
	maxIDLength = 32
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate checks that id is safe to use both as a Redis key segment and,
// unescaped, as a Postgres schema name fragment.
func (id ID) Validate() error {
	s := string(id)
	if len(s) < minIDLength || len(s) > maxIDLength {
		return orcherr.New(orcherr.KindInvalidInput, "tenant id length out of range")
	}
	if !idPattern.MatchString(s) {
		return orcherr.New(orcherr.KindInvalidInput, "tenant id must be lowercase alphanumeric and hyphens")
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return orcherr.New(orcherr.KindInvalidInput, "tenant id must not start or end with a hyphen")
	}
	return nil
}

func (id ID) String() string { return string(id) }

// SchemaName returns the Postgres schema dedicated to this tenant. Every
// query issued on behalf of a tenant must run with this schema first on the
// search_path; see store's bindTenant (binder.go) for the verification step.
func (id ID) SchemaName() string {
	return "tenant_" + string(id)
}

// KeyNamespace derives Redis key names scoped to one tenant, mirroring the
// teacher's KeyNamespace but extended with the ready-queue, lease, and
// bridge-registry keys the dispatcher and plugin bridge need.
type KeyNamespace struct {
	Tenant ID
}

func NewKeyNamespace(id ID) KeyNamespace { return KeyNamespace{Tenant: id} }

func (kn KeyNamespace) prefix() string { return "t:" + string(kn.Tenant) }

// ReadyQueueKey is the sorted-set key holding jobs pending dispatch for a
// given marketplace, scored by (priority, created_at) so ZRANGE returns the
// highest-priority, oldest-first job.
func (kn KeyNamespace) ReadyQueueKey(marketplace string) string {
	return kn.prefix() + ":ready:" + marketplace
}

// LeaseCounterKey tracks in-flight/consumed-capacity counters for a
// (tenant, marketplace) rate cap window.
func (kn KeyNamespace) LeaseCounterKey(marketplace string) string {
	return kn.prefix() + ":lease:" + marketplace
}

// BridgePendingKey is the prefix of the hashes (one per session) of
// in-flight plugin-bridge requests for this tenant, written by
// store.BridgeIndex. Nothing reloads them after a process restart.
func (kn KeyNamespace) BridgePendingKey() string {
	return kn.prefix() + ":bridge:pending"
}

// BridgeQueueKey is the prefix of the lists (one per session) of requests
// queued for delivery to the extension. The lists are not bounded; the
// ChannelSaturated back-pressure check applies to bridge.Client's
// in-memory queue.
func (kn KeyNamespace) BridgeQueueKey() string {
	return kn.prefix() + ":bridge:queue"
}
