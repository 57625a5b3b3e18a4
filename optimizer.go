package nertrain

import (
	"fmt"
	"math"
)

// Optimizer applies an update rule to the model's parameters using the
// gradients accumulated by the last backward pass.
type Optimizer interface {
	// Step performs one optimization step.
	Step()
	// ZeroGrad clears the accumulated gradients.
	ZeroGrad()
}

// ChooseOptimizer builds the optimizer the configuration names.
func ChooseOptimizer(cfg *Config, model *BertNER) (Optimizer, error) {
	switch cfg.Optimizer {
	case "adamw":
		return NewAdamW(model, cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Epsilon, cfg.WeightDecay), nil
	case "sgd":
		return NewSGD(model, cfg.LearningRate, cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}

// AdamW implements Adam with decoupled weight decay.
//
//	m_t = beta1*m + (1-beta1)*g
//	v_t = beta2*v + (1-beta2)*g^2
//	param -= lr * (mHat/(sqrt(vHat)+eps) + weightDecay*param)
type AdamW struct {
	model        *BertNER
	learningRate float32
	beta1        float32
	beta2        float32
	epsilon      float32
	weightDecay  float32

	mMemory []float32 // first moment estimates
	vMemory []float32 // second moment estimates
	t       int       // step count for bias correction
}

// NewAdamW creates an AdamW optimizer over the model's flat parameter memory.
func NewAdamW(model *BertNER, lr, beta1, beta2, epsilon, weightDecay float64) *AdamW {
	return &AdamW{
		model:        model,
		learningRate: float32(lr),
		beta1:        float32(beta1),
		beta2:        float32(beta2),
		epsilon:      float32(epsilon),
		weightDecay:  float32(weightDecay),
	}
}

// Step applies one AdamW update. A step before any backward pass is a no-op
// since no gradients exist yet.
func (opt *AdamW) Step() {
	grads := opt.model.Grads.Memory
	if len(grads) == 0 {
		return
	}
	if opt.mMemory == nil {
		opt.mMemory = make([]float32, opt.model.Params.Len())
		opt.vMemory = make([]float32, opt.model.Params.Len())
	}
	opt.t++
	bias1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.t)))
	bias2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.t)))
	params := opt.model.Params.Memory
	for i := range params {
		parameter := params[i]
		gradient := grads[i]
		m := opt.beta1*opt.mMemory[i] + (1.0-opt.beta1)*gradient
		v := opt.beta2*opt.vMemory[i] + (1.0-opt.beta2)*gradient*gradient
		mHat := m / bias1
		vHat := v / bias2
		opt.mMemory[i] = m
		opt.vMemory[i] = v
		params[i] -= opt.learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*parameter)
	}
}

// ZeroGrad clears the model's gradients.
func (opt *AdamW) ZeroGrad() {
	opt.model.ZeroGradient()
}

// SGD implements plain stochastic gradient descent with L2 weight decay.
type SGD struct {
	model        *BertNER
	learningRate float32
	weightDecay  float32
}

// NewSGD creates an SGD optimizer over the model's flat parameter memory.
func NewSGD(model *BertNER, lr, weightDecay float64) *SGD {
	return &SGD{
		model:        model,
		learningRate: float32(lr),
		weightDecay:  float32(weightDecay),
	}
}

// Step applies param -= lr * (grad + weightDecay*param).
func (opt *SGD) Step() {
	grads := opt.model.Grads.Memory
	if len(grads) == 0 {
		return
	}
	params := opt.model.Params.Memory
	for i := range params {
		grad := grads[i] + opt.weightDecay*params[i]
		params[i] -= opt.learningRate * grad
	}
}

// ZeroGrad clears the model's gradients.
func (opt *SGD) ZeroGrad() {
	opt.model.ZeroGradient()
}
