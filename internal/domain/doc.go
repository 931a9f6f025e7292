// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (identity.go, group.go, envelope.go, events.go, etc.)
// with shared types and cross-cutting contracts. No implementation code beyond value semantics.
// Prevents circular imports between the admission, broadcast, broker and router packages.
package domain
