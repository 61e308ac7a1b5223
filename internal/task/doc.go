// Package task defines the contract between business logic and the engine:
// the Task interface, its defaults, priorities, statuses, worker ids and the
// outcome errors a task returns from Perform.
package task
