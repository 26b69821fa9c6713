// Package app composes the marketplace services into a running application.
// It is a wiring layer, not a business logic layer.
//
//	internal/app/
//	├── application.go      # Application struct, wiring, lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── participant/    # Members and trust scores
//	│   ├── listing/        # Sales and ingredient stock
//	│   └── trade/          # Transactions and trust adjustments
//	├── geo/                # Haversine distance and geofence checks
//	├── storage/            # Store interfaces plus memory and postgres backends
//	├── services/           # Business logic (participants, listings, trust, trades)
//	├── httpapi/            # REST handlers, middleware, audit tail
//	├── system/             # Lifecycle manager for background services
//	└── metrics/            # Prometheus collectors
//
// Business rules live under internal/app/services; this package only builds
// the services with their stores and registers long-running components with
// the system manager.
package app
