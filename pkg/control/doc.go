// Package control is the drain/ownership control plane. A watcher
// follows the operator-owned control.json (running or draining, with
// optional pause-at-checkpoint), workers gate on it at well-defined
// checkpoints, and a daemon registry file records live daemon
// identities with PID-based liveness classification.
package control
