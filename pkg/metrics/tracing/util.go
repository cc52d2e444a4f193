package tracing

import (
	"context"

	"go.opencensus.io/trace"
)

// AddErrorEndSpan ends span, marking it failed when *perr is non nil. Use it
// deferred with a named error return:
//
//	ctx, span := trace.StartSpan(ctx, "Validate")
//	defer tracing.AddErrorEndSpan(ctx, span, &err)
func AddErrorEndSpan(ctx context.Context, span *trace.Span, perr *error) {
	defer span.End()

	if perr == nil || *perr == nil {
		return
	}
	err := *perr
	span.AddAttributes(trace.StringAttribute("error", err.Error()))
	span.SetStatus(trace.Status{
		Code:    trace.StatusCodeUnknown,
		Message: err.Error(),
	})
}
