// Package policy provides optional declarative rules deciding which tools a
// model may invoke during an agent run.
package policy
