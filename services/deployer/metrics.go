package deployer

import "omniloyalty/observability"

// Metrics exposes Prometheus collectors for deployer instrumentation.
type Metrics = observability.DeployerMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Deployer() }
