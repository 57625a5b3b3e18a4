package nertrain

import (
	"errors"
	"fmt"
	"math/rand"
)

// BertNER is a trainable token-classification model: a bidirectional
// transformer encoder with a per-token label head. In training mode a forward
// pass with labels produces a scalar loss; in eval mode the label
// probabilities are read back through PredictedLabels. Parameters live in one
// flat buffer so the optimizer and the checkpoint writer see the whole model
// at once.
type BertNER struct {
	Config *Config
	// Params has the actual weights of the model. Params.Memory makes it
	// possible to set/reset all parameters at once.
	Params ParameterTensors
	// Grads contains the gradients that the optimizer applies to Params.
	Grads     ParameterTensors
	Acts      ActivationTensors
	GradsActs ActivationTensors

	B          int     // current batch size
	T          int     // current sequence length
	Inputs     []int32 // token ids of the last forward
	Mask       []int32 // attention mask of the last forward
	Labels     []int32 // labels of the last forward, nil in inference
	MeanLoss   float32 // mean loss after a forward pass with labels, -1 otherwise
	ValidCount int     // tokens that counted toward the last loss

	training bool
	dev      Device
	rng      *rand.Rand

	matmulFwd func(out, inp, weight, bias []float32, B, T, C, OC int)
	matmulBwd func(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int)
}

// NewBertNER builds a randomly initialised model from the configuration.
func NewBertNER(cfg *Config) *BertNER {
	model := &BertNER{
		Config:   cfg,
		MeanLoss: -1.0,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	model.Params.Init(cfg.VocabSize, cfg.HiddenSize, cfg.MaxLength, cfg.NumLayers, cfg.ClassNum)
	model.initWeights()
	model.ToDevice(Device{Name: "cpu"})
	return model
}

// initWeights draws small random weights and sets layernorm gains to one.
func (model *BertNER) initWeights() {
	const std = 0.02
	for i := range model.Params.Memory {
		model.Params.Memory[i] = float32(model.rng.NormFloat64() * std)
	}
	for i := range model.Params.LayerNorm1W.data {
		model.Params.LayerNorm1W.data[i] = 1.0
		model.Params.LayerNorm1B.data[i] = 0.0
	}
	for i := range model.Params.Layer2NormW.data {
		model.Params.Layer2NormW.data[i] = 1.0
		model.Params.Layer2NormB.data[i] = 0.0
	}
	for i := range model.Params.LayerFinNormW.data {
		model.Params.LayerFinNormW.data[i] = 1.0
		model.Params.LayerFinNormB.data[i] = 0.0
	}
}

// LoadPretrained copies encoder weights from a checkpoint-format file into
// the model. The stored configuration must describe the same architecture.
func (model *BertNER) LoadPretrained(path string) error {
	params, cfg, err := LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("load pretrained weights: %w", err)
	}
	if err := sameArchitecture(model.Config, cfg); err != nil {
		return fmt.Errorf("pretrained weights at %s: %w", path, err)
	}
	copy(model.Params.Memory, params)
	return nil
}

func sameArchitecture(a, b *Config) error {
	switch {
	case a.VocabSize != b.VocabSize:
		return fmt.Errorf("vocab size mismatch: %d vs %d", a.VocabSize, b.VocabSize)
	case a.HiddenSize != b.HiddenSize:
		return fmt.Errorf("hidden size mismatch: %d vs %d", a.HiddenSize, b.HiddenSize)
	case a.NumLayers != b.NumLayers:
		return fmt.Errorf("layer count mismatch: %d vs %d", a.NumLayers, b.NumLayers)
	case a.NumHeads != b.NumHeads:
		return fmt.Errorf("head count mismatch: %d vs %d", a.NumHeads, b.NumHeads)
	case a.MaxLength != b.MaxLength:
		return fmt.Errorf("max length mismatch: %d vs %d", a.MaxLength, b.MaxLength)
	case a.ClassNum != b.ClassNum:
		return fmt.Errorf("label count mismatch: %d vs %d", a.ClassNum, b.ClassNum)
	}
	return nil
}

// ToDevice binds the model's kernels to a device. Decided once per run.
func (model *BertNER) ToDevice(dev Device) {
	model.dev = dev
	if dev.Parallel {
		model.matmulFwd = matmulForwardParallel
		model.matmulBwd = matmulBackwardParallel
	} else {
		model.matmulFwd = matmulForward
		model.matmulBwd = matmulBackward
	}
}

// TrainMode enables training-only behavior (dropout in the head).
func (model *BertNER) TrainMode() {
	model.training = true
}

// EvalMode disables training-only behavior.
func (model *BertNER) EvalMode() {
	model.training = false
}

func (model *BertNER) String() string {
	var s string
	s += "[BertNER]\n"
	s += fmt.Sprintf("max_length: %d\n", model.Config.MaxLength)
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.VocabSize)
	s += fmt.Sprintf("num_layers: %d\n", model.Config.NumLayers)
	s += fmt.Sprintf("num_heads: %d\n", model.Config.NumHeads)
	s += fmt.Sprintf("hidden_size: %d\n", model.Config.HiddenSize)
	s += fmt.Sprintf("class_num: %d\n", model.Config.ClassNum)
	s += fmt.Sprintf("num_parameters: %d\n", model.Params.Len())
	return s
}

// Forward runs the encoder and the label head over one batch. With labels it
// also computes the mean cross-entropy over non-ignored tokens and returns
// it; without labels it fills the probabilities for prediction and returns -1.
func (model *BertNER) Forward(inputIDs, attentionMask, labels []int32, B, T int) float32 {
	K, L, NH, C := model.Config.ClassNum, model.Config.NumLayers, model.Config.NumHeads, model.Config.HiddenSize
	if model.Acts.Memory == nil || B != model.B || T != model.T {
		model.B, model.T = B, T
		model.Acts.Init(B, C, T, L, NH, K)
		model.GradsActs = ActivationTensors{}
		model.Inputs = make([]int32, B*T)
		model.Mask = make([]int32, B*T)
		model.Labels = make([]int32, B*T)
	}
	copy(model.Inputs, inputIDs)
	copy(model.Mask, attentionMask)
	params, acts := model.Params, model.Acts

	encoderForward(acts.Encoded.data, inputIDs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		lLn1w := params.LayerNorm1W.data[l*C:]
		lLn1b := params.LayerNorm1B.data[l*C:]
		lQkvw := params.QueryKeyValW.data[l*3*C*C:]
		lQkvb := params.QueryKeyValB.data[l*3*C:]
		lAttprojw := params.AttProjW.data[l*C*C:]
		lAttprojb := params.AttProjB.data[l*C:]
		lLn2w := params.Layer2NormW.data[l*C:]
		lLn2b := params.Layer2NormB.data[l*C:]
		lFcw := params.FeedFwdW.data[l*4*C*C:]
		lFcb := params.FeedFwdB.data[l*4*C:]
		lFcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		lFcprojb := params.FeedFwdProjB.data[l*C:]

		lLn1 := acts.Layer1Act.data[l*B*T*C:]
		lLn1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		lLn1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionInter.data[l*B*T*C:]
		lPreatt := acts.PreAttention.data[l*B*NH*T*T:]
		lAtt := acts.Attention.data[l*B*NH*T*T:]
		lAttproj := acts.AttentionProj.data[l*B*T*C:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2Act.data[l*B*T*C:]
		lLn2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		lLn2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		lFch := acts.FeedForward.data[l*B*T*4*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]
		lFcproj := acts.FeedForwardProj.data[l*B*T*C:]
		lResidual3 := acts.Residual3.data[l*B*T*C:]

		layernormForward(lLn1, lLn1Mean, lLn1Rstd, residual, lLn1w, lLn1b, B, T, C)
		model.matmulFwd(lQkv, lLn1, lQkvw, lQkvb, B, T, C, 3*C)
		attentionForward(lAtty, lPreatt, lAtt, lQkv, attentionMask, B, T, C, NH)
		model.matmulFwd(lAttproj, lAtty, lAttprojw, lAttprojb, B, T, C, C)
		residualForward(lResidual2, residual, lAttproj, B*T*C)
		layernormForward(lLn2, lLn2Mean, lLn2Rstd, lResidual2, lLn2w, lLn2b, B, T, C)
		model.matmulFwd(lFch, lLn2, lFcw, lFcb, B, T, C, 4*C)
		geluForward(lFchGelu, lFch, B*T*4*C)
		model.matmulFwd(lFcproj, lFchGelu, lFcprojw, lFcprojb, B, T, 4*C, C)
		residualForward(lResidual3, lResidual2, lFcproj, B*T*C)
	}
	residual = acts.Residual3.data[(L-1)*B*T*C:]
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data,
		residual, params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C)

	// Classification head: dropout, label projection, softmax.
	dropoutForward(acts.Dropped.data, acts.DropMask.data, acts.LayerNormFinal.data,
		float32(model.Config.Dropout), model.rng, model.training, B*T*C)
	model.matmulFwd(acts.Logits.data, acts.Dropped.data, params.ClassifierW.data, params.ClassifierB.data, B, T, C, K)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, K)

	if labels != nil {
		copy(model.Labels, labels)
		valid := crossEntropyForward(acts.Losses.data, acts.Probabilities.data, labels, B, T, K)
		model.ValidCount = valid
		var meanLoss float32
		if valid > 0 {
			for _, l := range acts.Losses.data {
				meanLoss += l
			}
			meanLoss /= float32(valid)
		}
		model.MeanLoss = meanLoss
	} else {
		model.MeanLoss = -1.0
	}
	return model.MeanLoss
}

// Backward propagates gradients from the last loss into Grads.
func (model *BertNER) Backward() error {
	if model.MeanLoss == -1.0 {
		return errors.New("must forward with labels before backward")
	}
	B, T, K, L, NH, C := model.B, model.T, model.Config.ClassNum, model.Config.NumLayers, model.Config.NumHeads, model.Config.HiddenSize
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(model.Config.VocabSize, C, model.Config.MaxLength, L, K)
	}
	if model.GradsActs.Memory == nil {
		model.GradsActs.Init(B, C, T, L, NH, K)
	}
	// Activation gradients are per-pass scratch: only the parameter gradients
	// accumulate across backward passes.
	for i := range model.GradsActs.Memory {
		model.GradsActs.Memory[i] = 0.0
	}
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs

	// The mean over counted tokens seeds the chain.
	var dloss float32
	if model.ValidCount > 0 {
		dloss = 1.0 / float32(model.ValidCount)
	}
	crossentropySoftmaxBackward(gradsActs.Logits.data, acts.Probabilities.data, model.Labels, dloss, B, T, K)
	model.matmulBwd(gradsActs.Dropped.data, grads.ClassifierW.data, grads.ClassifierB.data,
		gradsActs.Logits.data, acts.Dropped.data, params.ClassifierW.data, B, T, C, K)
	dropoutBackward(gradsActs.LayerNormFinal.data, acts.DropMask.data, gradsActs.Dropped.data, B*T*C)

	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := gradsActs.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, gradsActs.LayerNormFinal.data,
		residual, params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*B*T*C:]
		}

		lLn1w := params.LayerNorm1W.data[l*C:]
		lQkvw := params.QueryKeyValW.data[l*3*C*C:]
		lAttprojw := params.AttProjW.data[l*C*C:]
		lLn2w := params.Layer2NormW.data[l*C:]
		lFcw := params.FeedFwdW.data[l*4*C*C:]
		lFcprojw := params.FeedFwdProjW.data[l*C*4*C:]

		dlLn1w := grads.LayerNorm1W.data[l*C:]
		dlLn1b := grads.LayerNorm1B.data[l*C:]
		dlQkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dlQkvb := grads.QueryKeyValB.data[l*3*C:]
		dlAttprojw := grads.AttProjW.data[l*C*C:]
		dlAttprojb := grads.AttProjB.data[l*C:]
		dlLn2w := grads.Layer2NormW.data[l*C:]
		dlLn2b := grads.Layer2NormB.data[l*C:]
		dlFcw := grads.FeedFwdW.data[l*4*C*C:]
		dlFcb := grads.FeedFwdB.data[l*4*C:]
		dlFcprojw := grads.FeedFwdProjW.data[l*C*4*C:]
		dlFcprojb := grads.FeedFwdProjB.data[l*C:]

		lLn1 := acts.Layer1Act.data[l*B*T*C:]
		lLn1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		lLn1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		lQkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		lAtty := acts.AttentionInter.data[l*B*T*C:]
		lAtt := acts.Attention.data[l*B*NH*T*T:]
		lResidual2 := acts.Residual2.data[l*B*T*C:]
		lLn2 := acts.LayerNorm2Act.data[l*B*T*C:]
		lLn2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		lLn2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		lFch := acts.FeedForward.data[l*B*T*4*C:]
		lFchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]

		dlLn1 := gradsActs.Layer1Act.data[l*B*T*C:]
		dlQkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dlAtty := gradsActs.AttentionInter.data[l*B*T*C:]
		dlPreatt := gradsActs.PreAttention.data[l*B*NH*T*T:]
		dlAtt := gradsActs.Attention.data[l*B*NH*T*T:]
		dlAttproj := gradsActs.AttentionProj.data[l*B*T*C:]
		dlResidual2 := gradsActs.Residual2.data[l*B*T*C:]
		dlLn2 := gradsActs.LayerNorm2Act.data[l*B*T*C:]
		dlFch := gradsActs.FeedForward.data[l*B*T*4*C:]
		dlFchGelu := gradsActs.FeedForwardGelu.data[l*B*T*4*C:]
		dlFcproj := gradsActs.FeedForwardProj.data[l*B*T*C:]
		dlResidual3 := gradsActs.Residual3.data[l*B*T*C:]

		residualBackward(dlResidual2, dlFcproj, dlResidual3, B*T*C)
		model.matmulBwd(dlFchGelu, dlFcprojw, dlFcprojb, dlFcproj, lFchGelu, lFcprojw, B, T, 4*C, C)
		geluBackward(dlFch, lFch, dlFchGelu, B*T*4*C)
		model.matmulBwd(dlLn2, dlFcw, dlFcb, dlFch, lLn2, lFcw, B, T, C, 4*C)
		layernormBackward(dlResidual2, dlLn2w, dlLn2b, dlLn2, lResidual2, lLn2w, lLn2Mean, lLn2Rstd, B, T, C)
		residualBackward(dresidual, dlAttproj, dlResidual2, B*T*C)
		model.matmulBwd(dlAtty, dlAttprojw, dlAttprojb, dlAttproj, lAtty, lAttprojw, B, T, C, C)
		attentionBackward(dlQkv, dlPreatt, dlAtt, dlAtty, lQkv, lAtt, model.Mask, B, T, C, NH)
		model.matmulBwd(dlLn1, dlQkvw, dlQkvb, dlQkv, lLn1, lQkvw, B, T, C, 3*C)
		layernormBackward(dresidual, dlLn1w, dlLn1b, dlLn1, residual, lLn1w, lLn1Mean, lLn1Rstd, B, T, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, model.Inputs, B, T, C)
	return nil
}

// ZeroGradient clears all parameter and activation gradients.
func (model *BertNER) ZeroGradient() {
	for i := range model.GradsActs.Memory {
		model.GradsActs.Memory[i] = 0.0
	}
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] = 0.0
	}
}

// PredictedLabels returns the argmax label per token from the last forward.
func (model *BertNER) PredictedLabels() []int32 {
	B, T, K := model.B, model.T, model.Config.ClassNum
	preds := make([]int32, B*T)
	for bt := 0; bt < B*T; bt++ {
		probs := model.Acts.Probabilities.data[bt*K : bt*K+K]
		best := 0
		for i := 1; i < K; i++ {
			if probs[i] > probs[best] {
				best = i
			}
		}
		preds[bt] = int32(best)
	}
	return preds
}
