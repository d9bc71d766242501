/*
Package metrics exposes Ralph's Prometheus collectors and health probes.

Collectors are package-level and registered in init(); components update
them directly. Health is a per-daemon probe registry: the store, the
hosting token's rate-limit state and each repo's queue driver register
probes that are evaluated on every /healthz, /readyz and /livez request
served alongside the Prometheus /metrics handler.
*/
package metrics
