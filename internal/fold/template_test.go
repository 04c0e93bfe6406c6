package fold

import (
	"testing"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func TestTemplateEmbeddingZeroMaskIsZero(t *testing.T) {
	cfg := tinyTemplateConfig()
	nr, nt := 4, 2

	te, err := NewTemplateEmbedding(cfg.Embeddings.Template, &cfg.Global,
		checkpoint.NewInitStore(21), "template_embedding", cfg.Embeddings.PairChannel)
	if err != nil {
		t.Fatal(err)
	}

	batch := memberBatch(nr, 2, 3)
	templateFeaturesInto(batch, nr, nt)
	query := fillWave(tensor.New(1, nr, nr, cfg.Embeddings.PairChannel), 4)
	mask2d := onesTensor(1, nr, nr)

	out := te.Apply(query,
		batch["template_aatype"],
		batch["template_all_atom_positions"],
		batch["template_all_atom_masks"],
		tensor.New(1, nt),
		mask2d)
	assertShape(t, out, 1, nr, nr, cfg.Embeddings.PairChannel)
	for i, v := range out.Data {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want exact zero with no templates", i, v)
		}
	}
}

func TestTemplateEmbeddingFullMask(t *testing.T) {
	cfg := tinyTemplateConfig()
	nr, nt := 4, 2

	te, err := NewTemplateEmbedding(cfg.Embeddings.Template, &cfg.Global,
		checkpoint.NewInitStore(21), "template_embedding", cfg.Embeddings.PairChannel)
	if err != nil {
		t.Fatal(err)
	}

	batch := memberBatch(nr, 2, 3)
	templateFeaturesInto(batch, nr, nt)
	query := fillWave(tensor.New(1, nr, nr, cfg.Embeddings.PairChannel), 4)
	mask2d := onesTensor(1, nr, nr)

	out := te.Apply(query,
		batch["template_aatype"],
		batch["template_all_atom_positions"],
		batch["template_all_atom_masks"],
		batch["template_mask"],
		mask2d)
	assertShape(t, out, 1, nr, nr, cfg.Embeddings.PairChannel)
	assertFinite(t, "template embedding", out)

	var sum float64
	for _, v := range out.Data {
		sum += float64(v * v)
	}
	if sum == 0 {
		t.Error("template embedding is all zero despite present templates")
	}
}

func TestTemplateEmbeddingChunkedMatchesDirect(t *testing.T) {
	cfg := tinyTemplateConfig()
	nr, nt := 5, 3

	direct := cfg.Embeddings.Template
	direct.SubbatchSize = 0
	chunked := cfg.Embeddings.Template
	chunked.SubbatchSize = 2

	teDirect, err := NewTemplateEmbedding(direct, &cfg.Global,
		checkpoint.NewInitStore(23), "template_embedding", cfg.Embeddings.PairChannel)
	if err != nil {
		t.Fatal(err)
	}
	teChunked, err := NewTemplateEmbedding(chunked, &cfg.Global,
		checkpoint.NewInitStore(23), "template_embedding", cfg.Embeddings.PairChannel)
	if err != nil {
		t.Fatal(err)
	}

	batch := memberBatch(nr, 2, 3)
	templateFeaturesInto(batch, nr, nt)
	query := fillWave(tensor.New(1, nr, nr, cfg.Embeddings.PairChannel), 4)
	mask2d := onesTensor(1, nr, nr)

	apply := func(te *TemplateEmbedding) *tensor.Tensor {
		return te.Apply(query,
			batch["template_aatype"],
			batch["template_all_atom_positions"],
			batch["template_all_atom_masks"],
			batch["template_mask"],
			mask2d)
	}
	assertAllClose(t, apply(teChunked), apply(teDirect), 1e-5)
}

func TestTemplatePairBlockShapes(t *testing.T) {
	cfg := tinyTemplateConfig()
	stack := cfg.Embeddings.Template.TemplatePairStack
	channel := stack.TriangleAttentionEndingNode.ValueDim

	blk, err := NewTemplatePairBlock(stack, &cfg.Global,
		checkpoint.NewInitStore(25), "template_pair_stack_0", channel)
	if err != nil {
		t.Fatal(err)
	}

	nr := 4
	pair := fillWave(tensor.New(1, nr, nr, channel), 6)
	mask := onesTensor(1, nr, nr)

	out := blk.Apply(pair, mask)
	assertShape(t, out, 1, nr, nr, channel)
	assertFinite(t, "template pair block", out)
}
