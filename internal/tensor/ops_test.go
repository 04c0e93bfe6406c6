package tensor

import (
	"math"
	"testing"
)

const tolerance = 1e-5

func TestSoftmaxMatchesReference(t *testing.T) {
	testCases := []struct {
		name  string
		input []float32
	}{
		{"simple", []float32{1.0, 2.0, 3.0}},
		{"negative", []float32{-1.0, -2.0, -3.0}},
		{"large", []float32{100.0, 100.1, 99.9}},
		{"uniform", []float32{5.0, 5.0, 5.0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x := From(append([]float32(nil), tc.input...), len(tc.input))
			got := Softmax(x, 0)

			// Float64 reference.
			maxV := math.Inf(-1)
			for _, v := range tc.input {
				if float64(v) > maxV {
					maxV = float64(v)
				}
			}
			var sum float64
			exps := make([]float64, len(tc.input))
			for i, v := range tc.input {
				exps[i] = math.Exp(float64(v) - maxV)
				sum += exps[i]
			}

			var total float64
			for i := range tc.input {
				want := exps[i] / sum
				if math.Abs(float64(got.Data[i])-want) > tolerance {
					t.Errorf("Mismatch at index %d: Expected %f, Got %f", i, want, got.Data[i])
				}
				total += float64(got.Data[i])
			}
			if math.Abs(total-1.0) > tolerance {
				t.Errorf("Sum = %f, want 1.0", total)
			}
		})
	}
}

func TestSoftmaxFullyMaskedIsUniform(t *testing.T) {
	// Every logit carries the masked bias: softmax must stay finite and
	// spread mass uniformly instead of producing NaN.
	n := 7
	x := New(n)
	for i := range x.Data {
		x.Data[i] = -1e9
	}
	got := Softmax(x, 0)
	want := 1.0 / float64(n)
	for i := range got.Data {
		if math.IsNaN(float64(got.Data[i])) {
			t.Fatalf("NaN at index %d", i)
		}
		if math.Abs(float64(got.Data[i])-want) > tolerance {
			t.Errorf("Mismatch at index %d: Expected %f, Got %f", i, want, got.Data[i])
		}
	}
}

func TestSoftmaxAxis(t *testing.T) {
	// Axis 0 of a [2,3]: columns are normalized independently.
	x := From([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := Softmax(x, 0)
	for c := 0; c < 3; c++ {
		sum := float64(got.At(0, c)) + float64(got.At(1, c))
		if math.Abs(sum-1.0) > tolerance {
			t.Errorf("Column %d sum = %f, want 1.0", c, sum)
		}
	}
}

func TestLayerNormMatchesReference(t *testing.T) {
	dim := 8
	x := New(3, dim)
	for i := range x.Data {
		x.Data[i] = float32(math.Sin(float64(i) * 0.7))
	}
	gamma := New(dim)
	beta := New(dim)
	for i := 0; i < dim; i++ {
		gamma.Data[i] = 1.0 + 0.1*float32(i)
		beta.Data[i] = 0.05 * float32(i)
	}
	eps := float32(1e-5)
	got := LayerNorm(x, gamma, beta, eps)

	for r := 0; r < 3; r++ {
		var mean float64
		for i := 0; i < dim; i++ {
			mean += float64(x.At(r, i))
		}
		mean /= float64(dim)
		var variance float64
		for i := 0; i < dim; i++ {
			d := float64(x.At(r, i)) - mean
			variance += d * d
		}
		variance /= float64(dim)
		for i := 0; i < dim; i++ {
			want := (float64(x.At(r, i))-mean)/math.Sqrt(variance+float64(eps))*float64(gamma.Data[i]) + float64(beta.Data[i])
			if math.Abs(float64(got.At(r, i))-want) > tolerance {
				t.Errorf("Mismatch at row %d index %d: Expected %f, Got %f", r, i, want, got.At(r, i))
			}
		}
	}
}

func TestLinearMatchesReference(t *testing.T) {
	x := From([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	w := From([]float32{
		0.1, 0.2,
		0.3, 0.4,
		0.5, 0.6,
	}, 3, 2)
	b := From([]float32{10, 20}, 2)
	got := Linear(x, w, b)
	want := [][]float64{
		{10 + 1*0.1 + 2*0.3 + 3*0.5, 20 + 1*0.2 + 2*0.4 + 3*0.6},
		{10 + 4*0.1 + 5*0.3 + 6*0.5, 20 + 4*0.2 + 5*0.4 + 6*0.6},
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			if math.Abs(float64(got.At(r, c))-want[r][c]) > tolerance {
				t.Errorf("Mismatch at (%d,%d): Expected %f, Got %f", r, c, want[r][c], got.At(r, c))
			}
		}
	}
}

func TestMaskBias(t *testing.T) {
	mask := From([]float32{1, 0, 1}, 3)
	bias := MaskBias(mask)
	if bias.Data[0] != 0 || bias.Data[2] != 0 {
		t.Errorf("Attendable positions should have zero bias, got %v", bias.Data)
	}
	if bias.Data[1] != -1e9 {
		t.Errorf("Masked position bias = %f, want -1e9", bias.Data[1])
	}
}

func TestMaskMean(t *testing.T) {
	// value [1,2,3,2], mask [1,2,3,1], mean over axis 2.
	value := New(1, 2, 3, 2)
	mask := New(1, 2, 3, 1)
	for s := 0; s < 2; s++ {
		for k := 0; k < 3; k++ {
			value.Set(float32(k+1), 0, s, k, 0)
			value.Set(float32(10*(k+1)), 0, s, k, 1)
		}
	}
	// Row 0 keeps positions 0 and 2, row 1 is fully masked.
	mask.Set(1, 0, 0, 0, 0)
	mask.Set(1, 0, 0, 2, 0)

	got := MaskMean(mask, value, 2)
	if got.Rank() != 3 {
		t.Fatalf("MaskMean rank = %d, want 3", got.Rank())
	}
	if math.Abs(float64(got.At(0, 0, 0))-2.0) > tolerance {
		t.Errorf("Masked mean channel 0 = %f, want 2.0", got.At(0, 0, 0))
	}
	if math.Abs(float64(got.At(0, 0, 1))-20.0) > tolerance {
		t.Errorf("Masked mean channel 1 = %f, want 20.0", got.At(0, 0, 1))
	}
	// Fully masked row: denominator guard keeps the result at zero.
	if got.At(0, 1, 0) != 0 || got.At(0, 1, 1) != 0 {
		t.Errorf("Fully masked mean = (%f, %f), want zeros", got.At(0, 1, 0), got.At(0, 1, 1))
	}
}

func TestOneHot(t *testing.T) {
	idx := From([]float32{0, 2, 5}, 3)
	oh := OneHot(idx, 4)
	if oh.Shape[0] != 3 || oh.Shape[1] != 4 {
		t.Fatalf("OneHot shape = %v, want [3 4]", oh.Shape)
	}
	if oh.At(0, 0) != 1 || oh.At(1, 2) != 1 {
		t.Errorf("OneHot hot positions wrong: %v", oh.Data)
	}
	for c := 0; c < 4; c++ {
		if oh.At(2, c) != 0 {
			t.Errorf("Out-of-range index should yield zeros, got %f at %d", oh.At(2, c), c)
		}
	}
}

func TestLinspace(t *testing.T) {
	ls := Linspace(2.3125, 21.6875, 63)
	if ls.Numel() != 63 {
		t.Fatalf("Linspace len = %d, want 63", ls.Numel())
	}
	if math.Abs(float64(ls.Data[0])-2.3125) > tolerance {
		t.Errorf("First = %f, want 2.3125", ls.Data[0])
	}
	if math.Abs(float64(ls.Data[62])-21.6875) > 1e-4 {
		t.Errorf("Last = %f, want 21.6875", ls.Data[62])
	}
}

func TestBroadcastAddMul(t *testing.T) {
	a := New(2, 3, 4)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	b := New(2, 1, 4)
	for i := range b.Data {
		b.Data[i] = 0.5 * float32(i)
	}
	sum := Add(a, b)
	prod := Mul(a, b)
	for i0 := 0; i0 < 2; i0++ {
		for i1 := 0; i1 < 3; i1++ {
			for i2 := 0; i2 < 4; i2++ {
				wantSum := a.At(i0, i1, i2) + b.At(i0, 0, i2)
				wantProd := a.At(i0, i1, i2) * b.At(i0, 0, i2)
				if sum.At(i0, i1, i2) != wantSum {
					t.Errorf("Add mismatch at (%d,%d,%d): Expected %f, Got %f", i0, i1, i2, wantSum, sum.At(i0, i1, i2))
				}
				if prod.At(i0, i1, i2) != wantProd {
					t.Errorf("Mul mismatch at (%d,%d,%d): Expected %f, Got %f", i0, i1, i2, wantProd, prod.At(i0, i1, i2))
				}
			}
		}
	}
}

func TestSigmoidRelu(t *testing.T) {
	x := From([]float32{-2, 0, 2}, 3)
	sig := Sigmoid(x)
	if math.Abs(float64(sig.Data[1])-0.5) > tolerance {
		t.Errorf("Sigmoid(0) = %f, want 0.5", sig.Data[1])
	}
	if sig.Data[0] >= 0.5 || sig.Data[2] <= 0.5 {
		t.Errorf("Sigmoid monotonicity violated: %v", sig.Data)
	}
	r := Relu(x)
	if r.Data[0] != 0 || r.Data[1] != 0 || r.Data[2] != 2 {
		t.Errorf("Relu = %v, want [0 0 2]", r.Data)
	}
}
