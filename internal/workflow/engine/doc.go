// Package engine runs registered workflows per job. It dispatches every ready
// task on its own goroutine, folds task outputs into the job context,
// recomputes readiness from scratch after each completion, persists a
// snapshot on every transition, and publishes events to observers.
//
// Stale snapshots loaded after a restart are failed closed: a task that was
// running when the process died is marked failed as interrupted and must be
// retried explicitly.
package engine
