// Package orderwire keeps every device of a point-of-sale installation
// converged on the backend-of-record.
//
// The backend holds the authoritative data. Devices hold materialized
// snapshots and reconcile by refetching whole collections; a websocket push
// channel only tells a device when to refetch, never what changed. Writes
// created while offline are durably queued and replayed oldest first when
// connectivity returns.
//
// The composition root wires five parts: a LocalStore (sqlite), a BackendApi,
// a MutationQueue, a PushClient, and the SyncCoordinator that owns the
// collection snapshots and the Uninitialized -> Loading -> Ready lifecycle.
// See orderwirectl for a complete wiring.
package orderwire
