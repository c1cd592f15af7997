package orchestration

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("omniloyalty/orchestration")
