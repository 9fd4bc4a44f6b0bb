package theseus

import (
	"math"
	"sync"
)

// encoderForward sums the word token, position and token type embeddings for every
// (b,t) position. typ may be nil, in which case every position uses type 0.
func encoderForward(out []float32, inp, typ []int32, wte, wpe, wtt []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			wteIx := int(inp[b*T+t]) * C
			wpeIx := t * C
			wttIx := 0
			if typ != nil {
				wttIx = int(typ[b*T+t]) * C
			}
			for i := 0; i < C; i++ {
				outBT[i] = wte[wteIx+i] + wpe[wpeIx+i] + wtt[wttIx+i]
			}
		}
	}
}

// encoderBackward scatters dout back into the three embedding tables.
func encoderBackward(dwte, dwpe, dwtt []float32, dout []float32, inp, typ []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			wteIx := int(inp[b*T+t]) * C
			wpeIx := t * C
			wttIx := 0
			if typ != nil {
				wttIx = int(typ[b*T+t]) * C
			}
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwte[wteIx+i] += d
				dwpe[wpeIx+i] += d
				dwtt[wttIx+i] += d
			}
		}
	}
}

// layernormForward normalises each C-dimensional vector of inp, then scales and
// shifts it. mean and rstd are (B,T) buffers kept for the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
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

			var dnormMean, dnormNormMean float32
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

// matmulForward computes out = inp @ weight^T + bias.
// inp is (B,T,C), weight is (OC,C), bias is (OC) or nil, out is (B,T,OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
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
	// into inp, parallel over (b,t)
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
	// into weight/bias, parallel over output channels
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C : o*C+C]
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					d := dout[b*T*OC+t*OC+o]
					inpBT := inp[b*T*C+t*C:]
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

// attends reports whether key position i may be attended to. A nil mask attends everywhere.
func attends(mask []int32, i int) bool {
	return mask == nil || mask[i] != 0
}

// attentionForward is bidirectional multi-head self attention restricted to the
// positions allowed by mask.
// inp is (B,T,3C) holding query, key and value; preatt and att are (B,NH,T,T);
// out is (B,T,C).
func attentionForward(out, preatt, att, inp []float32, mask []int32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Add(1)
				go func(b, t, h int) {
					defer wg.Done()
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					maxval := math.Inf(-1)
					for t2 := 0; t2 < T; t2++ {
						if !attends(mask, b*T+t2) {
							preattBTH[t2] = 0
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

					var expsum float64
					for t2 := 0; t2 < T; t2++ {
						if !attends(mask, b*T+t2) {
							attBTH[t2] = 0
							continue
						}
						expv := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += expv
						attBTH[t2] = float32(expv)
					}
					var expsumInv float64
					if expsum != 0 {
						expsumInv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						attBTH[t2] *= float32(expsumInv)
					}

					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 < T; t2++ {
						if !attends(mask, b*T+t2) {
							continue
						}
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						a := attBTH[t2]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				}(b, t, h)
			}
		}
	}
	wg.Wait()
}

// attentionBackward runs sequentially: every query position writes into the key
// and value gradients of every other position.
func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, mask []int32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				attBTH := att[b*NH*T*T+h*T*T+t*T:]
				dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
				dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
				dqueryT := dinp[b*T*C3+t*C3+h*hs:]
				queryT := inp[b*T*C3+t*C3+h*hs:]
				doutBTH := dout[b*T*C+t*C+h*hs:]

				// value accumulation
				for t2 := 0; t2 < T; t2++ {
					if !attends(mask, b*T+t2) {
						continue
					}
					valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
					dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+C*2:]
					for i := 0; i < hs; i++ {
						dattBTH[t2] += valueT2[i] * doutBTH[i]
						dvalueT2[i] += attBTH[t2] * doutBTH[i]
					}
				}
				// softmax
				for t2 := 0; t2 < T; t2++ {
					if !attends(mask, b*T+t2) {
						continue
					}
					for t3 := 0; t3 < T; t3++ {
						if !attends(mask, b*T+t3) {
							continue
						}
						var indicator float32
						if t2 == t3 {
							indicator = 1.0
						}
						local := attBTH[t2] * (indicator - attBTH[t3])
						dpreattBTH[t3] += local * dattBTH[t2]
					}
				}
				// query @ key
				for t2 := 0; t2 < T; t2++ {
					if !attends(mask, b*T+t2) {
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

// softmaxForward turns N rows of V logits into probabilities.
func softmaxForward(probs, logits []float32, N, V int) {
	for n := 0; n < N; n++ {
		logitsN := logits[n*V : n*V+V]
		probsN := probs[n*V : n*V+V]
		maxval := math.Inf(-1)
		for i := 0; i < V; i++ {
			if float64(logitsN[i]) > maxval {
				maxval = float64(logitsN[i])
			}
		}
		var sum float64
		for i := 0; i < V; i++ {
			e := math.Exp(float64(logitsN[i]) - maxval)
			probsN[i] = float32(e)
			sum += e
		}
		for i := 0; i < V; i++ {
			probsN[i] = float32(float64(probsN[i]) / sum)
		}
	}
}

// crossEntropyForward writes the per-position negative log likelihood of the
// target class, computed from the logits with log-sum-exp. Positions whose
// target equals ignore get a zero loss. It returns the number of positions that count.
func crossEntropyForward(losses, logits []float32, targets []int32, ignore int32, N, V int) int {
	count := 0
	for n := 0; n < N; n++ {
		ix := targets[n]
		if ix == ignore {
			losses[n] = 0
			continue
		}
		logitsN := logits[n*V : n*V+V]
		maxval := math.Inf(-1)
		for i := 0; i < V; i++ {
			if float64(logitsN[i]) > maxval {
				maxval = float64(logitsN[i])
			}
		}
		var sum float64
		for i := 0; i < V; i++ {
			sum += math.Exp(float64(logitsN[i]) - maxval)
		}
		losses[n] = float32(maxval + math.Log(sum) - float64(logitsN[ix]))
		count++
	}
	return count
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, N, V int) {
	for n := 0; n < N; n++ {
		dlogitsN := dlogits[n*V : n*V+V]
		probsN := probs[n*V : n*V+V]
		dloss := dlosses[n]
		if dloss == 0 {
			continue
		}
		ix := targets[n]
		for i := 0; i < V; i++ {
			var indicator float32
			if int32(i) == ix {
				indicator = 1.0
			}
			dlogitsN[i] += (probsN[i] - indicator) * dloss
		}
	}
}
