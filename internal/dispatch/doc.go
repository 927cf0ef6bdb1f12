// Package dispatch runs bulk-send jobs (campaigns, group joins, group
// broadcasts) against tenant connectors under per-job rate limits.
//
// One Engine serves every job kind; the kind only selects the Sender used
// for each item. The engine advances jobs in ticks, and at most one tick
// runs at a time per Engine.
package dispatch
