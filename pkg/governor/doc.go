// Package governor rations hosting-service traffic across three lanes.
//
// critical is never refused (lease heartbeats, release writes).
// important and best_effort draw from token buckets where writes cost
// two tokens and reads one. Acquire never blocks: an empty bucket, an
// active rate-limit cooldown, or pressure mode all return a defer
// decision carrying the instant a retry may succeed, and the caller
// reschedules itself.
//
// The cooldown observer is fed by the hosting client's rate-limit
// classification and defers every non-critical lane. Pressure mode
// watches the observed remaining API quota and sheds the best_effort
// lane first; sustained shedding is surfaced as a starvation counter.
package governor
