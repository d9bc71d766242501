// Package hosting is Ralph's client for the issue/PR hosting service.
//
// Every request flows through a single do() path that classifies the
// response into an ErrorKind (ok, rate_limit, auth, not_found,
// conflict, transient, unknown), records per-request telemetry and
// metrics, and maintains a per-token rate-limit cooldown. When a token
// is rate limited, subsequent requests on that token sleep until the
// reported reset instant; other tokens are unaffected.
//
// The do() path never retries. Read callers may retry transient
// failures; write callers must go through the idempotency ledger first
// so a retried write can be elided or verified instead of duplicated.
//
// Interface abstracts the typed surface so other packages can test
// against the in-memory Fake. IssueRelations issues one GraphQL round
// trip per issue for blocked-by edges, sub-issues and closing PRs,
// with explicit completeness flags when pagination truncates a list.
package hosting
