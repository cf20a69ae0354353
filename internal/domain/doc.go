// Package domain defines the core relay types and interfaces.
//
// Concept-oriented files (errors.go, registration.go, event.go, payload.go, store.go)
// hold shared types and the contracts adapters implement. No I/O lives here.
package domain
