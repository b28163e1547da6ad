// Package broadcast fans results out to the members of a session group.
package broadcast
