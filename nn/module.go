// Package nn provides neural network building blocks on top of the tensor
// package: the Module interface, a small set of layers, and a
// JSON-serializable architecture spec from which models are built.
package nn

import (
	"fmt"

	"github.com/tsawler/go-seqtrain/tensor"
)

// Module is the contract every layer and model satisfies.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // trainable tensors, in a stable order
	Train()                       // switch to learning mode
	Eval()                        // switch to inference mode
	IsTraining() bool
}

// Sequential chains modules, feeding each one's output to the next.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}

	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the chain.
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Len returns the number of modules in the chain.
func (s *Sequential) Len() int {
	return len(s.modules)
}
