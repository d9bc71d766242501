// Package mergegate drives a pull request from "checks pending" to
// merged. It watches the required checks, updates behind branches
// under the repo's auto-update policy, short-circuits on conflicts,
// merges with an expected head SHA to avoid racing a push, and allows
// exactly one branch-update-and-retry cycle before escalating.
package mergegate
