package nertrain

import (
	"math"
	"math/rand"
	"sync"
)

// ignoreLabel marks positions (padding, special tokens) that never contribute
// to the loss or its gradient.
const ignoreLabel int32 = -1

// encoderForward combines the word token embeddings with the word position
// embeddings so each vector carries token identity and position in one.
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			startOutIndex := b*T*C + t*C
			ix := inp[b*T+t]
			startWteIndex := int(ix) * C
			startWpeIndex := t * C
			for i := 0; i < C; i++ {
				out[startOutIndex+i] = wte[startWteIndex+i] + wpe[startWpeIndex+i]
			}
		}
	}
}

// encoderBackward accumulates gradients into the token and position embeddings.
func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBTOffset := b*T*C + t*C
			ix := inp[b*T+t]
			dwteIxOffset := int(ix) * C
			dwpeTOffset := t * C
			for i := 0; i < C; i++ {
				d := dout[doutBTOffset+i]
				dwte[dwteIxOffset+i] += d
				dwpe[dwpeTOffset+i] += d
			}
		}
	}
}

// layernormForward normalises each (b,t) vector to zero mean and unit
// variance, then scales and shifts. mean and rstd are (B,T) buffers kept for
// the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	var eps float64 = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				xshift := float64(x[i]) - m
				v += xshift * xshift
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean float32
			var dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI
				dval -= dnormMean
				dval -= normBTI * dnormNormMean
				dval *= rstdBT
				dinpBT[i] += dval
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias for every (b,t) position.
// inp is (B,T,C), weight is (OC,C), out is (B,T,OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			inpBT := inp[b*T*C+t*C:]
			outBT := out[b*T*OC+t*OC:]
			for o := 0; o < OC; o++ {
				var val float64
				if bias != nil {
					val = float64(bias[o])
				}
				wrow := weight[o*C:]
				for i := 0; i < C; i++ {
					val += float64(inpBT[i]) * float64(wrow[i])
				}
				outBT[o] = float32(val)
			}
		}
	}
}

// matmulForwardParallel is matmulForward fanned out over (b,t) positions.
// Used on the accelerated path only; results are identical.
func matmulForwardParallel(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			}(b, t)
		}
	}
	wg.Wait()
}

func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	// Backward into inp
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*OC+t*OC:]
			dinpBT := dinp[b*T*C+t*C:]
			for o := 0; o < OC; o++ {
				wrow := weight[o*C : o*C+C]
				d := doutBT[o]
				for i := 0; i < C; i++ {
					dinpBT[i] += wrow[i] * d
				}
			}
		}
	}
	// Backward into weight/bias
	for o := 0; o < OC; o++ {
		for b := 0; b < B; b++ {
			for t := 0; t < T; t++ {
				doutBT := dout[b*T*OC+t*OC:]
				inpBT := inp[b*T*C+t*C:]
				dwrow := dweight[o*C : o*C+C]
				d := doutBT[o]
				if dbias != nil {
					dbias[o] += d
				}
				for i := 0; i < C; i++ {
					dwrow[i] += inpBT[i] * d
				}
			}
		}
	}
}

// matmulBackwardParallel parallelises the input-gradient pass over (b,t) and
// the weight-gradient pass over output channels. Each goroutine owns disjoint
// output slices, so no locking is needed.
func matmulBackwardParallel(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				doutBT := dout[b*T*OC+t*OC:]
				dinpBT := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutBT[o]
					for i := 0; i < C; i++ {
						dinpBT[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					doutBT := dout[b*T*OC+t*OC:]
					inpBT := inp[b*T*C+t*C:]
					dwrow := dweight[o*C:]
					d := doutBT[o]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

// attentionForward is bidirectional self-attention with a padding mask.
// inp is (B,T,3C) holding Q,K,V; mask is (B,T) with 1 for real tokens and 0
// for padding. Every real token attends to every real token in its sequence;
// padded query positions produce zero output and padded key positions get
// zero attention weight. preatt and att are (B,NH,T,T) and are kept for the
// backward pass.
func attentionForward(out, preatt, att, inp []float32, mask []int32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH // head size
	scale := 1.0 / math.Sqrt(float64(hs))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				queryT := inp[b*T*C3+t*C3+h*hs:]
				preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				outBTH := out[b*T*C+t*C+h*hs:]
				for i := 0; i < hs; i++ {
					outBTH[i] = 0.0
				}
				if mask[b*T+t] == 0 {
					for t2 := 0; t2 < T; t2++ {
						preattBTH[t2] = 0.0
						attBTH[t2] = 0.0
					}
					continue
				}
				// Pass 1: scaled query-key dot products over unmasked keys
				maxval := -10000.0
				for t2 := 0; t2 < T; t2++ {
					if mask[b*T+t2] == 0 {
						preattBTH[t2] = 0.0
						continue
					}
					keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
					var val float64
					for i := 0; i < hs; i++ {
						val += float64(queryT[i]) * float64(keyT2[i])
					}
					val *= scale
					if val > maxval {
						maxval = val
					}
					preattBTH[t2] = float32(val)
				}
				// Pass 2: softmax over the unmasked keys
				expsum := 0.0
				for t2 := 0; t2 < T; t2++ {
					if mask[b*T+t2] == 0 {
						attBTH[t2] = 0.0
						continue
					}
					expv := math.Exp(float64(preattBTH[t2]) - maxval)
					expsum += expv
					attBTH[t2] = float32(expv)
				}
				expsumInv := 0.0
				if expsum != 0.0 {
					expsumInv = 1.0 / expsum
				}
				for t2 := 0; t2 < T; t2++ {
					attBTH[t2] *= float32(expsumInv)
				}
				// Pass 3: weighted sum of values
				for t2 := 0; t2 < T; t2++ {
					if mask[b*T+t2] == 0 {
						continue
					}
					valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
					attBTHT2 := attBTH[t2]
					for i := 0; i < hs; i++ {
						outBTH[i] += attBTHT2 * valueT2[i]
					}
				}
			}
		}
	}
}

// attentionBackward mirrors attentionForward: masked positions contribute no
// gradient anywhere.
func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, mask []int32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			if mask[b*T+t] == 0 {
				continue
			}
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				dqueryT := dinp[b*T*C3+t*C3+h*hs:]
				queryT := inp[b*T*C3+t*C3+h*hs:]

				// Backward through value accumulation
				doutBTH := dout[b*T*C+t*C+h*hs:]
				for t2 := 0; t2 < T; t2++ {
					if mask[b*T+t2] == 0 {
						continue
					}
					valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
					dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+C*2:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += valueT2[i] * doutBTH[i]
						dvalueT2[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// Backward through the softmax
				for t2 := 0; t2 < T; t2++ {
					if mask[b*T+t2] == 0 {
						continue
					}
					for t3 := 0; t3 < T; t3++ {
						if mask[b*T+t3] == 0 {
							continue
						}
						indicator := float32(0.0)
						if t2 == t3 {
							indicator = 1.0
						}
						localDerivative := attBTH[t2] * (indicator - attBTH[t3])
						dpreattBTH[t3] += localDerivative * dattBTH[t2]
					}
				}
				// Backward through query @ key
				for t2 := 0; t2 < T; t2++ {
					if mask[b*T+t2] == 0 {
						continue
					}
					keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
					dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
						dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
					}
				}
			}
		}
	}
}

var geluScalingFactor = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScalingFactor*(x+cube))))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		tanhArg := geluScalingFactor * (x + cube)
		tanhOut := math.Tanh(tanhArg)
		coshOut := math.Cosh(tanhArg)
		sechOut := 1.0 / (coshOut * coshOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*geluScalingFactor*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(localGrad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// dropoutForward applies inverted dropout: kept elements are scaled by
// 1/(1-p) so eval mode needs no rescaling. mask stores the per-element scale
// (0 for dropped) for the backward pass. When training is false or p is zero
// it is the identity with an all-ones mask.
func dropoutForward(out, mask, inp []float32, p float32, rng *rand.Rand, training bool, n int) {
	if !training || p == 0 {
		for i := 0; i < n; i++ {
			out[i] = inp[i]
			mask[i] = 1.0
		}
		return
	}
	scale := 1.0 / (1.0 - p)
	for i := 0; i < n; i++ {
		if rng.Float32() < p {
			mask[i] = 0.0
			out[i] = 0.0
		} else {
			mask[i] = scale
			out[i] = inp[i] * scale
		}
	}
}

func dropoutBackward(dinp, mask, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += dout[i] * mask[i]
	}
}

// softmaxForward computes label probabilities per token.
// logits and probs are (B,T,K).
func softmaxForward(probs, logits []float32, B, T, K int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*K + t*K
			logitsBT := logits[baseIndex : baseIndex+K]
			probsBT := probs[baseIndex : baseIndex+K]
			maxval := float32(-10000.0)
			for i := 0; i < K; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			sum := 0.0
			for i := 0; i < K; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}
			for i := 0; i < K; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

// crossEntropyForward writes the per-token negative log likelihood into
// losses and returns the number of tokens that actually count (labels other
// than ignoreLabel). Ignored positions get zero loss.
func crossEntropyForward(losses, probs []float32, labels []int32, B, T, K int) int {
	valid := 0
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			ix := labels[b*T+t]
			if ix == ignoreLabel {
				losses[b*T+t] = 0.0
				continue
			}
			startIndex := b*T*K + t*K
			prob := probs[startIndex+int(ix)]
			losses[b*T+t] = float32(-math.Log(float64(prob)))
			valid++
		}
	}
	return valid
}

// crossentropySoftmaxBackward fuses the softmax and cross-entropy gradients.
// dloss is the gradient flowing into every counted token (1/validCount for a
// mean reduction); ignored positions propagate nothing.
func crossentropySoftmaxBackward(dlogits, probs []float32, labels []int32, dloss float32, B, T, K int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			ix := labels[b*T+t]
			if ix == ignoreLabel {
				continue
			}
			baseIndex := b*T*K + t*K
			dlogitsBT := dlogits[baseIndex : baseIndex+K]
			probsBT := probs[baseIndex : baseIndex+K]
			for i := 0; i < K; i++ {
				p := probsBT[i]
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (p - indicator) * dloss
			}
		}
	}
}
