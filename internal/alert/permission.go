package alert

import "sync/atomic"

// Result is the outcome of a permission request.
type Result string

const (
	ResultGranted Result = "granted"
	ResultDenied  Result = "denied"
)

// Permission is the local-alert permission of one dashboard session. It
// outlives the dispatchers that read it.
type Permission struct {
	granted atomic.Bool
}

// Request records the platform's answer and returns it.
func (p *Permission) Request(granted bool) Result {
	p.granted.Store(granted)
	if granted {
		return ResultGranted
	}
	return ResultDenied
}

// Granted is false for a nil Permission.
func (p *Permission) Granted() bool {
	return p != nil && p.granted.Load()
}
