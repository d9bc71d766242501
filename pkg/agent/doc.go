// Package agent runs the external coding-agent subprocess behind the
// SessionRunner interface and parses the structured marker lines the
// agent emits (plan decisions, PR urls). Production wires the
// subprocess runner; tests wire a scripted fake.
package agent
