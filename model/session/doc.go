// Package session defines the agent session record persisted for every agent
// run and background task, together with its status state machine.
package session
