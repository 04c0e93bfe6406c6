package fold

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func TestNewAttentionHeadDivisibility(t *testing.T) {
	store := checkpoint.NewInitStore(1)
	gcfg := tinyModelConfig().Global

	cfg := tinyModelConfig().Embeddings.Evoformer.MSAColumnAttention
	cfg.NumHead = 3
	if _, err := NewAttention(cfg, gcfg, store, "bad_key", 8, 8, 8); err == nil {
		t.Error("key_dim 8 with 3 heads should fail")
	}

	cfg.KeyDim = 6
	cfg.ValueDim = 8
	if _, err := NewAttention(cfg, gcfg, store, "bad_value", 8, 8, 8); err == nil {
		t.Error("value_dim 8 with 3 heads should fail")
	}
	if _, err := NewGlobalAttention(cfg, gcfg, store, "bad_global", 8, 8, 8); err == nil {
		t.Error("global variant should apply the same divisibility checks")
	}
}

// identityAttention wires a single-head, single-channel attention whose
// projections are all 1, so the output is exactly the softmax-weighted
// mean of the memory values.
func identityAttention(t *testing.T) *Attention {
	t.Helper()
	one := []float32{1}
	store := checkpoint.NewStore(map[string]*tensor.Tensor{
		"attn.query_w":  tensor.From(one, 1, 1, 1),
		"attn.key_w":    tensor.From(one, 1, 1, 1),
		"attn.value_w":  tensor.From(one, 1, 1, 1),
		"attn.output_w": tensor.From(one, 1, 1, 1),
		"attn.output_b": tensor.From([]float32{0}, 1),
	})
	cfg := config.Attention{NumHead: 1}
	gcfg := config.Global{Inference: true, SubbatchSize: 4, Eps: 1e-5}
	attn, err := NewAttention(cfg, gcfg, store, "attn", 1, 1, 1)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}
	return attn
}

func TestAttentionFullyMaskedIsUniform(t *testing.T) {
	attn := identityAttention(t)

	q := tensor.New(1, 1, 2, 1) // zero queries
	m := tensor.From([]float32{10, 20, 30}, 1, 1, 3, 1)
	bias := tensor.MaskBias(tensor.New(1, 3)).
		Reshape(1, 1, 1, 1, 3) // all positions masked

	out := attn.Apply(q, m, bias, nil)
	assertShape(t, out, 1, 1, 2, 1)
	for i, v := range out.Data {
		if math.Abs(float64(v)-20) > 1e-4 {
			t.Errorf("query %d: %v, want the uniform mean 20", i, v)
		}
	}
}

func TestAttentionMaskedKeyDropsOut(t *testing.T) {
	attn := identityAttention(t)

	q := tensor.New(1, 1, 1, 1)
	m := tensor.From([]float32{10, 20, 30}, 1, 1, 3, 1)
	mask := tensor.From([]float32{1, 1, 0}, 1, 3)
	bias := tensor.MaskBias(mask).Reshape(1, 1, 1, 1, 3)

	out := attn.Apply(q, m, bias, nil)
	if math.Abs(float64(out.Data[0])-15) > 1e-4 {
		t.Errorf("got %v, want 15 with the third key masked", out.Data[0])
	}
}

func TestAttentionGatingScalesOutput(t *testing.T) {
	// Zero-init gate weights with ones bias gate every channel by
	// sigmoid(1), so the gated output is a uniform rescale of the
	// ungated one built from the same seed.
	gcfg := config.Global{Inference: true, Eps: 1e-5}
	plain, err := NewAttention(config.Attention{NumHead: 2}, gcfg, checkpoint.NewInitStore(9), "attn", 8, 8, 8)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}
	gated, err := NewAttention(config.Attention{NumHead: 2, Gating: true}, gcfg, checkpoint.NewInitStore(9), "attn", 8, 8, 8)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}

	act := fillWave(tensor.New(1, 2, 3, 8), 1)
	bias := tensor.New(1, 2, 1, 1, 3)
	plainOut := plain.Apply(act, act, bias, nil)
	gatedOut := gated.Apply(act, act, bias, nil)

	sig := float32(1.0 / (1.0 + math.Exp(-1)))
	for i := range plainOut.Data {
		want := plainOut.Data[i] * sig
		if math.Abs(float64(gatedOut.Data[i]-want)) > 1e-5 {
			t.Fatalf("gated[%d] = %v, want %v", i, gatedOut.Data[i], want)
		}
	}
}

func TestAttentionChunkedMatchesDirect(t *testing.T) {
	store := checkpoint.NewInitStore(3)
	cfg := config.Attention{NumHead: 2, Gating: true}
	gcfg := config.Global{Inference: true, SubbatchSize: 2, Eps: 1e-5}
	attn, err := NewAttention(cfg, gcfg, store, "attn", 8, 8, 8)
	if err != nil {
		t.Fatalf("NewAttention: %v", err)
	}

	act := fillWave(tensor.New(1, 6, 5, 8), 0)
	bias := tensor.New(1, 6, 1, 1, 5)

	direct := attn.Apply(act, act, bias, nil)
	apply := func(args []*tensor.Tensor) *tensor.Tensor {
		return attn.Apply(args[0], args[1], args[2], nil)
	}
	chunked := tensor.Subbatch(apply, []*tensor.Tensor{act, act, bias},
		[]int{0, 1, 2}, []int{1, 1, 1}, 2, 1)

	assertAllClose(t, chunked, direct, 1e-5)
}

func TestGlobalAttentionPooledQuery(t *testing.T) {
	one := []float32{1}
	store := checkpoint.NewStore(map[string]*tensor.Tensor{
		"gattn.query_w":  tensor.From(one, 1, 1, 1),
		"gattn.key_w":    tensor.From(one, 1, 1),
		"gattn.value_w":  tensor.From(one, 1, 1),
		"gattn.output_w": tensor.From(one, 1, 1, 1),
		"gattn.output_b": tensor.From([]float32{0}, 1),
	})
	cfg := config.Attention{NumHead: 1}
	gcfg := config.Global{Inference: true, SubbatchSize: 4, Eps: 1e-5}
	gattn, err := NewGlobalAttention(cfg, gcfg, store, "gattn", 1, 1, 1)
	if err != nil {
		t.Fatalf("NewGlobalAttention: %v", err)
	}

	vals := []float32{1, 2, 3}
	data := tensor.From(vals, 1, 1, 3, 1)

	// All positions masked: the pooled query collapses to zero, every key
	// is biased out, and the output falls back to the uniform value mean.
	zeroMask := tensor.New(1, 1, 3, 1)
	out := gattn.Apply(data, data, zeroMask)
	assertShape(t, out, 1, 1, 3, 1)
	for i, v := range out.Data {
		if math.Abs(float64(v)-2) > 1e-4 {
			t.Errorf("position %d: %v, want 2", i, v)
		}
	}

	// Unmasked: the single pooled query is the mean (2), and the output is
	// the softmax(2*k)-weighted value mean, identical at every position.
	fullMask := onesTensor(1, 1, 3, 1)
	out = gattn.Apply(data, data, fullMask)
	var den float64
	var num float64
	for _, v := range vals {
		w := math.Exp(2 * float64(v))
		num += w * float64(v)
		den += w
	}
	want := num / den
	for i, v := range out.Data {
		if math.Abs(float64(v)-want) > 1e-4 {
			t.Errorf("position %d: %v, want %v", i, v, want)
		}
	}
}

func TestMSAColumnGlobalAttentionChunkedMatchesDirect(t *testing.T) {
	cfg := tinyModelConfig()

	direct := cfg.Global
	direct.SubbatchSize = 0 // single chunk covers everything
	chunked := cfg.Global
	chunked.SubbatchSize = 2

	msa := fillWave(tensor.New(1, 3, 5, 6), 4)
	mask := onesTensor(1, 3, 5)

	attnCfg := cfg.Embeddings.ExtraMSAStack.MSAColumnAttention
	a, err := NewMSAColumnGlobalAttention(attnCfg, &direct, checkpoint.NewInitStore(5), "gcol", 6)
	if err != nil {
		t.Fatalf("NewMSAColumnGlobalAttention: %v", err)
	}
	b, err := NewMSAColumnGlobalAttention(attnCfg, &chunked, checkpoint.NewInitStore(5), "gcol", 6)
	if err != nil {
		t.Fatalf("NewMSAColumnGlobalAttention: %v", err)
	}

	assertAllClose(t, b.Apply(msa, mask), a.Apply(msa, mask), 1e-5)
}
