package system

// Static is a load reading that never changes. It is handy for tests and for
// deployments that want the pacing gate without host sampling.
type Static float64

// CurrentUsage returns the fixed value clamped to [0,1].
func (s Static) CurrentUsage() float64 { return clamp(float64(s)) }
