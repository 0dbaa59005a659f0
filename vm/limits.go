package vm

// Limits bounds the resources a single instance may use.
type Limits struct {
	MaxStack        int // value stack cells
	MaxArray        int // array indices per variable
	MaxCallDepth    int // nested script-function calls
	MaxArgs         int // arguments per call
	MaxLoopJumps    int // backward jumps per execution slice
	ExhaustionLimit int // exhaustion errors per slice before the instance is closed
}

// DefaultLimits returns the limits used when no configuration is given.
func DefaultLimits() Limits {
	return Limits{
		MaxStack:        1024,
		MaxArray:        128,
		MaxCallDepth:    64,
		MaxArgs:         128,
		MaxLoopJumps:    65536,
		ExhaustionLimit: 16,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxStack <= 0 {
		l.MaxStack = d.MaxStack
	}
	if l.MaxArray <= 0 {
		l.MaxArray = d.MaxArray
	}
	if l.MaxCallDepth <= 0 {
		l.MaxCallDepth = d.MaxCallDepth
	}
	if l.MaxArgs <= 0 {
		l.MaxArgs = d.MaxArgs
	}
	if l.MaxLoopJumps <= 0 {
		l.MaxLoopJumps = d.MaxLoopJumps
	}
	if l.ExhaustionLimit <= 0 {
		l.ExhaustionLimit = d.ExhaustionLimit
	}
	return l
}
