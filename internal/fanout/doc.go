// Package fanout delivers accepted messages to connected clients.
//
// Registry is the set of live persistent-channel connections. Hub pushes each
// stored record to every member present at publish time.
//
// Contract:
//   - Publish never blocks on a member. Each member has a bounded buffer;
//     a member that falls behind is evicted and must backfill from history.
//   - Members see records in id order, including when concurrent appends
//     publish out of order (see Hub's reorder window).
//   - A failed delivery never affects the submission that produced it.
package fanout
