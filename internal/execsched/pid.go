package execsched

const integralClamp = 10000.0

// pidController adapts effective concurrency toward a latency target: when
// observed latency runs below target, error is positive and concurrency
// is nudged up; when it runs above target, concurrency is nudged down.
// Not safe for concurrent use; the scheduler serializes calls under its
// own mutex.
type pidController struct {
	kp, ki, kd float64
	targetMs   float64

	integral  float64
	prevError float64
	hasPrev   bool

	minOut, maxOut int
}

func newPIDController(kp, ki, kd, targetMs float64, minOut, maxOut int) *pidController {
	return &pidController{kp: kp, ki: ki, kd: kd, targetMs: targetMs, minOut: minOut, maxOut: maxOut}
}

// Update folds the latest observed average latency and returns the next
// recommended concurrency ceiling, clamped to [minOut, maxOut].
func (p *pidController) Update(observedLatencyMs float64, currentMax int) int {
	err := p.targetMs - observedLatencyMs

	p.integral += err
	if p.integral > integralClamp {
		p.integral = integralClamp
	} else if p.integral < -integralClamp {
		p.integral = -integralClamp
	}

	derivative := 0.0
	if p.hasPrev {
		derivative = err - p.prevError
	}
	p.prevError = err
	p.hasPrev = true

	output := p.kp*err + p.ki*p.integral + p.kd*derivative
	delta := int(output / 100.0)

	newMax := currentMax + delta
	if newMax < p.minOut {
		newMax = p.minOut
	}
	if newMax > p.maxOut {
		newMax = p.maxOut
	}
	return newMax
}
