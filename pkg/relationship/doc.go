// Package relationship decides whether an issue is blocked by open
// dependencies. It assembles blocked_by and sub_issue signals from the
// hosting service's relationship graph and from the issue body, tracks
// coverage of each source, and renders a blocked / runnable / unknown
// decision. It is the only authority on dependency blocking; consumers
// translate decisions into label deltas.
package relationship
