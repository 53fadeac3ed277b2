package train

import "fmt"

// LRController decays the learning rate of the optimizer it wraps by a
// fixed multiplicative factor, once per Step call. There is no floor: a
// small gamma over many epochs drives the rate toward zero without error.
type LRController struct {
	optimizer Optimizer
	gamma     float64
}

// NewLRController wraps an optimizer with an exponential decay policy.
// gamma must be in (0, 1]; gamma 1 leaves the rate constant.
func NewLRController(optimizer Optimizer, gamma float64) (*LRController, error) {
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer must not be nil")
	}
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("gamma must be in (0, 1], got %f", gamma)
	}
	return &LRController{optimizer: optimizer, gamma: gamma}, nil
}

// Step multiplies the optimizer's learning rate by gamma exactly once.
func (lc *LRController) Step() {
	lc.optimizer.SetLR(lc.optimizer.GetLR() * lc.gamma)
}

// Rate returns the rate currently applied to the optimizer.
func (lc *LRController) Rate() float64 {
	return lc.optimizer.GetLR()
}

// Gamma returns the decay factor.
func (lc *LRController) Gamma() float64 {
	return lc.gamma
}
