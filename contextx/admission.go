package contextx

import (
	"context"
	"time"
)

// Admission records how the pacing stage let a call through.
type Admission struct {
	// Group is the matched method group, empty when only the global gate
	// applied.
	Group string
	// Gate names the gate that admitted the call, empty when no gate was
	// consulted.
	Gate string
	// Wait is the time the call spent queued for its slot.
	Wait time.Duration
	// Exempt is set when the group bypasses pacing.
	Exempt bool
}

// WithAdmission returns a derived context carrying a.
func WithAdmission(ctx context.Context, a Admission) context.Context {
	return context.WithValue(ctx, admissionKey, a)
}

// AdmissionFromContext returns the admission record of ctx, if any.
func AdmissionFromContext(ctx context.Context) (Admission, bool) {
	a, ok := ctx.Value(admissionKey).(Admission)
	return a, ok
}

// GroupFromContext returns the method group the call was matched to, or an
// empty string.
func GroupFromContext(ctx context.Context) string {
	a, _ := AdmissionFromContext(ctx)
	return a.Group
}
