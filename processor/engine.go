package processor

import (
	"context"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/multitenantengine"
)

// EngineHandler routes events to the owning tenant's rule engine. Action
// failures are recorded per rule and do not fail the event; only errors
// loading rules do.
type EngineHandler struct {
	engines *multitenantengine.MultiTenantEngineManager
}

// NewEngineHandler creates a handler backed by engines.
func NewEngineHandler(engines *multitenantengine.MultiTenantEngineManager) *EngineHandler {
	return &EngineHandler{engines: engines}
}

// HandleEvent runs e through its tenant's engine.
func (h *EngineHandler) HandleEvent(ctx context.Context, e *eventlog.Event) error {
	_, err := h.engines.Process(ctx, e.TenantID, e.Invocation())
	return err
}
