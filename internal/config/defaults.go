// Package config - defaults.go centralizes default values.
package config

import "time"

// DefaultPort is the ingest server port.
const DefaultPort = 8085

// DefaultReadTimeout bounds reading one ingest request.
const DefaultReadTimeout = 15 * time.Second

// DefaultWriteTimeout bounds writing one ingest response.
const DefaultWriteTimeout = 30 * time.Second

// DefaultDBPath is the SQLite database file for the task ledger and
// aggregate store.
const DefaultDBPath = "costguard.db"

// DefaultTaskTTLDays is how long task records are retained. Expiry removes
// the record, never its prior aggregate contribution.
const DefaultTaskTTLDays = 90

// DefaultSweepInterval is how often expired task records are deleted.
const DefaultSweepInterval = 10 * time.Minute

// DefaultMetricsNamespace is the CloudWatch namespace for cost metrics.
const DefaultMetricsNamespace = "CostGuard"

// DefaultMaxRedeliveries bounds change-notification redelivery attempts
// within one invocation.
const DefaultMaxRedeliveries = 3

// DefaultEnforcementMaxElapsed bounds total backoff time for one identity
// store attach/detach call.
const DefaultEnforcementMaxElapsed = 30 * time.Second
