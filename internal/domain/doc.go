// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (appointment.go, queue.go, view.go, role.go, events.go, errors.go)
// hold shared types and the ports implemented by adapters. No implementation code beyond
// small pure helpers on the types themselves.
package domain
