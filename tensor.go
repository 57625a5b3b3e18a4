package nertrain

type tensor struct {
	data []float32
	dims []int
}

func (t tensor) Data() []float32 {
	return t.data
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

func (t tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// ParameterTensors are the trainable parameters of the encoder plus the
// token-classification head. Memory is the single flat backing slice; the
// named fields are views into it so the optimizer and the checkpoint writer
// can treat the whole model as one contiguous buffer.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C) - token embedding
	WordPosEmbed  tensor // (maxT, C) - position embedding
	LayerNorm1W   tensor // (L, C)
	LayerNorm1B   tensor // (L, C)
	QueryKeyValW  tensor // (L, 3*C, C)
	QueryKeyValB  tensor // (L, 3*C)
	AttProjW      tensor // (L, C, C)
	AttProjB      tensor // (L, C)
	Layer2NormW   tensor // (L, C)
	Layer2NormB   tensor // (L, C)
	FeedFwdW      tensor // (L, 4*C, C)
	FeedFwdB      tensor // (L, 4*C)
	FeedFwdProjW  tensor // (L, C, 4*C)
	FeedFwdProjB  tensor // (L, C)
	LayerFinNormW tensor // (C)
	LayerFinNormB tensor // (C)
	ClassifierW   tensor // (K, C) - per-token label projection
	ClassifierB   tensor // (K)
}

// Init lays the parameter views out over one flat allocation.
// V = vocab size, C = hidden size, maxSeqLen = max sequence length,
// L = encoder layers, K = number of entity labels.
func (tensor *ParameterTensors) Init(V, C, maxSeqLen, L, K int) {
	tensor.Memory = make([]float32,
		V*C+ // WordTokEmbed
			maxSeqLen*C+ // WordPosEmbed
			L*C+ // LayerNorm1W
			L*C+ // LayerNorm1B
			L*3*C*C+ // QueryKeyValW
			L*3*C+ // QueryKeyValB
			L*C*C+ // AttProjW
			L*C+ // AttProjB
			L*C+ // Layer2NormW
			L*C+ // Layer2NormB
			L*4*C*C+ // FeedFwdW
			L*4*C+ // FeedFwdB
			L*C*4*C+ // FeedFwdProjW
			L*C+ // FeedFwdProjB
			C+ // LayerFinNormW
			C+ // LayerFinNormB
			K*C+ // ClassifierW
			K, // ClassifierB
	)
	var ptr int
	memPtr := tensor.Memory
	tensor.WordTokEmbed, ptr = newTensor(memPtr, V, C)
	memPtr = memPtr[ptr:]
	tensor.WordPosEmbed, ptr = newTensor(memPtr, maxSeqLen, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1W, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1B, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyValW, ptr = newTensor(memPtr, L, 3*C, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyValB, ptr = newTensor(memPtr, L, 3*C)
	memPtr = memPtr[ptr:]
	tensor.AttProjW, ptr = newTensor(memPtr, L, C, C)
	memPtr = memPtr[ptr:]
	tensor.AttProjB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.Layer2NormW, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.Layer2NormB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdW, ptr = newTensor(memPtr, L, 4*C, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdB, ptr = newTensor(memPtr, L, 4*C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjW, ptr = newTensor(memPtr, L, C, 4*C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.LayerFinNormW, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	tensor.LayerFinNormB, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	tensor.ClassifierW, ptr = newTensor(memPtr, K, C)
	memPtr = memPtr[ptr:]
	tensor.ClassifierB, ptr = newTensor(memPtr, K)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("parameter layout does not cover its memory")
	}
}

// Len returns the total number of parameters.
func (tensor *ParameterTensors) Len() int {
	return len(tensor.Memory)
}

// ActivationTensors hold every intermediate the forward pass produces, laid
// out flat so the backward pass can index into them the same way.
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C) - token + position embedding
	Layer1Act          tensor // (L, B, T, C)
	LayerNorm1Mean     tensor // (L, B, T)
	LayerNorm1Rstd     tensor // (L, B, T)
	QueryKeyVal        tensor // (L, B, T, 3*C)
	AttentionInter     tensor // (L, B, T, C)
	PreAttention       tensor // (L, B, NH, T, T)
	Attention          tensor // (L, B, NH, T, T)
	AttentionProj      tensor // (L, B, T, C)
	Residual2          tensor // (L, B, T, C)
	LayerNorm2Act      tensor // (L, B, T, C)
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, 4*C)
	FeedForwardGelu    tensor // (L, B, T, 4*C)
	FeedForwardProj    tensor // (L, B, T, C)
	Residual3          tensor // (L, B, T, C)
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	DropMask           tensor // (B, T, C) - inverted dropout mask for the head, 0 or 1/(1-p)
	Dropped            tensor // (B, T, C) - head input after dropout
	Logits             tensor // (B, T, K)
	Probabilities      tensor // (B, T, K)
	Losses             tensor // (B, T)
}

func (tensor *ActivationTensors) Init(B, C, T, L, NH, K int) {
	tensor.Memory = make([]float32,
		B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*C*3+
			L*B*T*C+
			L*B*NH*T*T+
			L*B*NH*T*T+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*C*4+
			L*B*T*C*4+
			L*B*T*C+
			L*B*T*C+
			B*T*C+
			B*T+
			B*T+
			B*T*C+
			B*T*C+
			B*T*K+
			B*T*K+
			B*T)
	var ptr int
	memPtr := tensor.Memory
	tensor.Encoded, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Layer1Act, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1Mean, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1Rstd, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyVal, ptr = newTensor(memPtr, L, B, T, C*3)
	memPtr = memPtr[ptr:]
	tensor.AttentionInter, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.PreAttention, ptr = newTensor(memPtr, L, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.Attention, ptr = newTensor(memPtr, L, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.AttentionProj, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Residual2, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm2Act, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm2Mean, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm2Rstd, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.FeedForward, ptr = newTensor(memPtr, L, B, T, C*4)
	memPtr = memPtr[ptr:]
	tensor.FeedForwardGelu, ptr = newTensor(memPtr, L, B, T, C*4)
	memPtr = memPtr[ptr:]
	tensor.FeedForwardProj, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Residual3, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNormFinal, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNormFinalMean, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerNormFinalStd, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	tensor.DropMask, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Dropped, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Logits, ptr = newTensor(memPtr, B, T, K)
	memPtr = memPtr[ptr:]
	tensor.Probabilities, ptr = newTensor(memPtr, B, T, K)
	memPtr = memPtr[ptr:]
	tensor.Losses, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("activation layout does not cover its memory")
	}
}
