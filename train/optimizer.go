package train

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-seqtrain/checkpoint"
	"github.com/tsawler/go-seqtrain/tensor"
)

// Optimizer applies accumulated gradients to the parameters it owns.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
	State() checkpoint.OptimizerState
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32
	v           map[*tensor.Tensor][]float32
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float32, param.NumElems)
			adam.v[param] = make([]float32, param.NumElems)
		}
	}

	return adam
}

// Step performs a single optimization step over all parameters that have
// gradients.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access parameter data: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access gradient data: %v", err)
		}
		if len(grad) != len(data) {
			return fmt.Errorf("gradient size mismatch: parameter %d, gradient %d", len(data), len(grad))
		}

		m := adam.m[param]
		v := adam.v[param]
		if m == nil || v == nil {
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			adam.m[param] = m
			adam.v[param] = v
		}

		for i := range data {
			g := float64(grad[i])
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(data[i])
			}

			mi := adam.beta1*float64(m[i]) + (1.0-adam.beta1)*g
			vi := adam.beta2*float64(v[i]) + (1.0-adam.beta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients for all parameters.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// State describes the optimizer for checkpointing.
func (adam *Adam) State() checkpoint.OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return checkpoint.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"lr":           adam.lr,
			"beta1":        adam.beta1,
			"beta2":        adam.beta2,
			"eps":          adam.eps,
			"weight_decay": adam.weightDecay,
		},
	}
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor][]float32),
	}

	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				sgd.velocities[param] = make([]float32, param.NumElems)
			}
		}
	}

	return sgd
}

// Step performs a single optimization step over all parameters that have
// gradients.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access parameter data: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access gradient data: %v", err)
		}
		if len(grad) != len(data) {
			return fmt.Errorf("gradient size mismatch: parameter %d, gradient %d", len(data), len(grad))
		}

		var velocity []float32
		if sgd.momentum > 0 {
			velocity = sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float32, len(data))
				sgd.velocities[param] = velocity
			}
		}

		for i := range data {
			g := float64(grad[i])
			if sgd.weightDecay > 0 {
				g += sgd.weightDecay * float64(data[i])
			}

			if sgd.momentum > 0 {
				vi := sgd.momentum*float64(velocity[i]) + (1.0-sgd.dampening)*g
				velocity[i] = float32(vi)
				if sgd.nesterov {
					g += sgd.momentum * vi
				} else {
					g = vi
				}
			}

			data[i] -= float32(sgd.learningRate * g)
		}
	}

	return nil
}

// ZeroGrad resets gradients for all parameters.
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate.
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// State describes the optimizer for checkpointing.
func (sgd *SGD) State() checkpoint.OptimizerState {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return checkpoint.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"lr":           sgd.learningRate,
			"momentum":     sgd.momentum,
			"weight_decay": sgd.weightDecay,
			"dampening":    sgd.dampening,
		},
	}
}
