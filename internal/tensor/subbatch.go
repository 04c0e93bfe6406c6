package tensor

import "fmt"

// Apply is the unit of sub-batched work: a pure function of its argument
// tensors.
type Apply func(args []*Tensor) *Tensor

// Subbatch evaluates f over chunks of the arguments listed in argIdx, each
// sliced along its matching axis in dims, and concatenates the per-chunk
// outputs along outAxis. Arguments not listed are passed through whole.
// chunk <= 0, or chunk >= the sliced length, degenerates to one direct
// call. The chunked result is numerically identical to the direct call.
func Subbatch(f Apply, args []*Tensor, argIdx, dims []int, chunk, outAxis int) *Tensor {
	if len(argIdx) == 0 || len(argIdx) != len(dims) {
		panic(fmt.Sprintf("tensor: subbatch argIdx %v does not match dims %v", argIdx, dims))
	}
	length := args[argIdx[0]].Shape[dims[0]]
	for i, ai := range argIdx {
		if got := args[ai].Shape[dims[i]]; got != length {
			panic(fmt.Sprintf("tensor: subbatch arg %d axis %d has length %d, want %d", ai, dims[i], got, length))
		}
	}
	if chunk <= 0 || chunk >= length {
		return f(args)
	}

	outs := make([]*Tensor, 0, (length+chunk-1)/chunk)
	for start := 0; start < length; start += chunk {
		end := start + chunk
		if end > length {
			end = length
		}
		sub := make([]*Tensor, len(args))
		copy(sub, args)
		for i, ai := range argIdx {
			sub[ai] = args[ai].Slice(dims[i], start, end)
		}
		outs = append(outs, f(sub))
	}
	return Concat(outAxis, outs...)
}
