// Package app provides the application composition layer for the marketplace.
//
// # Architecture Role
//
// The app package composes the domain services into a running application.
// It is NOT a business logic layer: the lifecycle rules live in
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (job, application, escrow, reputation, money)
//	├── storage/            # Store interfaces and implementations
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/           # jobs, applications, escrow, reputation, workflow
//	├── marketplace/        # Operation surface returning status envelopes
//	├── events/             # Lifecycle events and the websocket hub
//	├── httpapi/            # HTTP routes over the marketplace surface
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Process wiring from config
//	└── system/             # Background service lifecycle
//
// # Dependency Direction
//
//	cmd/marketplace/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/services/ (business rules)
//	      ├──► internal/settlement, internal/signer, internal/locks
//	      └──► internal/app/storage/
//
// httpapi depends on app, never the reverse.
package app
