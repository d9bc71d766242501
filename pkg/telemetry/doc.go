/*
Package telemetry distributes and persists Ralph's event stream.

A Broker fans events out to in-process subscribers (status reporting,
tests); a FileSink subscriber appends JSON lines to one file per day
under the events directory. Every record carries {ts, repo, type, level,
data}. Secrets (known token prefixes, private-key blocks, AWS access
key ids, home-directory paths) are redacted at emission, before any
byte reaches disk.
*/
package telemetry
