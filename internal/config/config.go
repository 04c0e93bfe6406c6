package config

import "fmt"

// Orientation selects whether an attention or transition block walks the
// first or second residue axis of its input.
type Orientation int

const (
	PerRow Orientation = iota
	PerColumn
)

// Feature dimensions fixed by the feature pipeline.
const (
	TargetFeatDim    = 22
	MSAFeatDim       = 49
	ExtraMSAFeatDim  = 25
	TemplateAngleDim = 57
	TemplatePairDim  = 88
)

// Attention configures one multi-head attention block.
type Attention struct {
	NumHead     int
	KeyDim      int // 0 derives from the query channel
	ValueDim    int // 0 derives from the memory channel
	Gating      bool
	DropoutRate float32
	Orientation Orientation
}

func (c *Attention) Validate() error {
	if c.NumHead <= 0 {
		return fmt.Errorf("invalid num_head: %d (must be positive)", c.NumHead)
	}
	if c.KeyDim < 0 || c.ValueDim < 0 {
		return fmt.Errorf("invalid key_dim/value_dim: %d/%d (must be non-negative)", c.KeyDim, c.ValueDim)
	}
	if c.KeyDim > 0 && c.KeyDim%c.NumHead != 0 {
		return fmt.Errorf("key_dim %d not divisible by num_head %d", c.KeyDim, c.NumHead)
	}
	if c.ValueDim > 0 && c.ValueDim%c.NumHead != 0 {
		return fmt.Errorf("value_dim %d not divisible by num_head %d", c.ValueDim, c.NumHead)
	}
	return nil
}

// Transition configures a two-layer feed-forward block.
type Transition struct {
	NumIntermediateFactor int
	Orientation           Orientation
}

func (c *Transition) Validate() error {
	if c.NumIntermediateFactor <= 0 {
		return fmt.Errorf("invalid num_intermediate_factor: %d (must be positive)", c.NumIntermediateFactor)
	}
	return nil
}

// OuterProductMean configures the MSA-to-pair outer product block.
type OuterProductMean struct {
	ChunkSize       int
	NumOuterChannel int
}

func (c *OuterProductMean) Validate() error {
	if c.NumOuterChannel <= 0 {
		return fmt.Errorf("invalid num_outer_channel: %d (must be positive)", c.NumOuterChannel)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk_size: %d (must be non-negative)", c.ChunkSize)
	}
	return nil
}

// Triangle multiplication contraction equations. Any other string is
// rejected when the block is built.
const (
	EquationOutgoing = "ikc,jkc->ijc"
	EquationIncoming = "kjc,kic->ijc"
)

// TriangleMultiplication configures one multiplicative pair update.
type TriangleMultiplication struct {
	Equation               string
	NumIntermediateChannel int
	DropoutRate            float32
}

func (c *TriangleMultiplication) Validate() error {
	if c.NumIntermediateChannel <= 0 {
		return fmt.Errorf("invalid num_intermediate_channel: %d (must be positive)", c.NumIntermediateChannel)
	}
	if c.Equation == "" {
		return fmt.Errorf("missing triangle multiplication equation")
	}
	return nil
}

// Evoformer configures one trunk block. The same struct drives the main
// stack, the extra-MSA stack and (with a reduced field set) the template
// pair stack.
type Evoformer struct {
	MSARowAttentionWithPairBias    Attention
	MSAColumnAttention             Attention
	MSATransition                  Transition
	OuterProductMean               OuterProductMean
	TriangleAttentionStartingNode  Attention
	TriangleAttentionEndingNode    Attention
	TriangleMultiplicationOutgoing TriangleMultiplication
	TriangleMultiplicationIncoming TriangleMultiplication
	PairTransition                 Transition
}

func (c *Evoformer) Validate() error {
	if err := c.MSARowAttentionWithPairBias.Validate(); err != nil {
		return fmt.Errorf("msa_row_attention_with_pair_bias: %w", err)
	}
	if err := c.MSAColumnAttention.Validate(); err != nil {
		return fmt.Errorf("msa_column_attention: %w", err)
	}
	if err := c.MSATransition.Validate(); err != nil {
		return fmt.Errorf("msa_transition: %w", err)
	}
	if err := c.OuterProductMean.Validate(); err != nil {
		return fmt.Errorf("outer_product_mean: %w", err)
	}
	if err := c.TriangleAttentionStartingNode.Validate(); err != nil {
		return fmt.Errorf("triangle_attention_starting_node: %w", err)
	}
	if err := c.TriangleAttentionEndingNode.Validate(); err != nil {
		return fmt.Errorf("triangle_attention_ending_node: %w", err)
	}
	if err := c.TriangleMultiplicationOutgoing.Validate(); err != nil {
		return fmt.Errorf("triangle_multiplication_outgoing: %w", err)
	}
	if err := c.TriangleMultiplicationIncoming.Validate(); err != nil {
		return fmt.Errorf("triangle_multiplication_incoming: %w", err)
	}
	if err := c.PairTransition.Validate(); err != nil {
		return fmt.Errorf("pair_transition: %w", err)
	}
	return nil
}

// Dgram configures distance binning.
type Dgram struct {
	MinBin  float32
	MaxBin  float32
	NumBins int
}

func (c *Dgram) Validate() error {
	if c.NumBins <= 1 {
		return fmt.Errorf("invalid num_bins: %d (must be > 1)", c.NumBins)
	}
	if c.MaxBin <= c.MinBin {
		return fmt.Errorf("invalid bins: max %f <= min %f", c.MaxBin, c.MinBin)
	}
	return nil
}

// Template configures template embedding.
type Template struct {
	Enabled               bool
	EmbedTorsionAngles    bool
	UseTemplateUnitVector bool
	MaxTemplates          int
	SubbatchSize          int
	Attention             Attention
	DgramFeatures         Dgram
	TemplatePairStack     TemplatePairStack
}

// TemplatePairStack configures the pair-only trunk run over each template.
type TemplatePairStack struct {
	NumBlock                       int
	TriangleAttentionStartingNode  Attention
	TriangleAttentionEndingNode    Attention
	TriangleMultiplicationOutgoing TriangleMultiplication
	TriangleMultiplicationIncoming TriangleMultiplication
	PairTransition                 Transition
}

func (c *Template) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxTemplates <= 0 {
		return fmt.Errorf("invalid max_templates: %d (must be positive)", c.MaxTemplates)
	}
	if err := c.Attention.Validate(); err != nil {
		return fmt.Errorf("template attention: %w", err)
	}
	if err := c.DgramFeatures.Validate(); err != nil {
		return fmt.Errorf("template dgram_features: %w", err)
	}
	if c.TemplatePairStack.NumBlock <= 0 {
		return fmt.Errorf("invalid template_pair_stack num_block: %d (must be positive)", c.TemplatePairStack.NumBlock)
	}
	if err := c.TemplatePairStack.TriangleAttentionStartingNode.Validate(); err != nil {
		return fmt.Errorf("template_pair_stack: %w", err)
	}
	if err := c.TemplatePairStack.TriangleMultiplicationOutgoing.Validate(); err != nil {
		return fmt.Errorf("template_pair_stack: %w", err)
	}
	if err := c.TemplatePairStack.PairTransition.Validate(); err != nil {
		return fmt.Errorf("template_pair_stack: %w", err)
	}
	return nil
}

// Embeddings configures the trunk: input embedders, recycled-feature
// injection, template embedding and both Evoformer stacks.
type Embeddings struct {
	MSAChannel         int
	PairChannel        int
	SeqChannel         int
	ExtraMSAChannel    int
	MaxRelativeFeature int
	RecyclePos         bool
	RecycleFeatures    bool
	PrevPos            Dgram
	EvoformerNumBlock  int
	ExtraMSAStackBlock int
	Evoformer          Evoformer
	ExtraMSAStack      Evoformer
	Template           Template
}

func (c *Embeddings) Validate() error {
	if c.MSAChannel <= 0 {
		return fmt.Errorf("invalid msa_channel: %d (must be positive)", c.MSAChannel)
	}
	if c.PairChannel <= 0 {
		return fmt.Errorf("invalid pair_channel: %d (must be positive)", c.PairChannel)
	}
	if c.SeqChannel <= 0 {
		return fmt.Errorf("invalid seq_channel: %d (must be positive)", c.SeqChannel)
	}
	if c.ExtraMSAChannel <= 0 {
		return fmt.Errorf("invalid extra_msa_channel: %d (must be positive)", c.ExtraMSAChannel)
	}
	if c.MaxRelativeFeature <= 0 {
		return fmt.Errorf("invalid max_relative_feature: %d (must be positive)", c.MaxRelativeFeature)
	}
	if c.EvoformerNumBlock <= 0 {
		return fmt.Errorf("invalid evoformer_num_block: %d (must be positive)", c.EvoformerNumBlock)
	}
	if c.ExtraMSAStackBlock < 0 {
		return fmt.Errorf("invalid extra_msa_stack_num_block: %d (must be non-negative)", c.ExtraMSAStackBlock)
	}
	if c.RecyclePos {
		if err := c.PrevPos.Validate(); err != nil {
			return fmt.Errorf("prev_pos: %w", err)
		}
	}
	if err := c.Evoformer.Validate(); err != nil {
		return fmt.Errorf("evoformer: %w", err)
	}
	if c.ExtraMSAStackBlock > 0 {
		if err := c.ExtraMSAStack.Validate(); err != nil {
			return fmt.Errorf("extra_msa_stack: %w", err)
		}
	}
	if err := c.Template.Validate(); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	return nil
}

// Head weight semantics: a head with Weight == 0 is never constructed.
type DistogramHead struct {
	FirstBreak float32
	LastBreak  float32
	NumBins    int
	Weight     float32
}

type PredictedLDDTHead struct {
	NumBins     int
	NumChannels int
	Weight      float32
}

type PredictedAlignedErrorHead struct {
	MaxErrorBin float32
	NumBins     int
	Weight      float32
}

type StructureModuleHead struct {
	NumChannel int
	Weight     float32
}

// Heads configures the prediction heads.
type Heads struct {
	Distogram             DistogramHead
	PredictedLDDT         PredictedLDDTHead
	PredictedAlignedError PredictedAlignedErrorHead
	StructureModule       StructureModuleHead
}

func (c *Heads) Validate() error {
	if c.Distogram.Weight != 0 && c.Distogram.NumBins <= 1 {
		return fmt.Errorf("invalid distogram num_bins: %d (must be > 1)", c.Distogram.NumBins)
	}
	if c.PredictedLDDT.Weight != 0 {
		if c.PredictedLDDT.NumBins <= 0 || c.PredictedLDDT.NumChannels <= 0 {
			return fmt.Errorf("invalid predicted_lddt head: bins %d channels %d", c.PredictedLDDT.NumBins, c.PredictedLDDT.NumChannels)
		}
	}
	if c.PredictedAlignedError.Weight != 0 && c.PredictedAlignedError.NumBins <= 1 {
		return fmt.Errorf("invalid predicted_aligned_error num_bins: %d (must be > 1)", c.PredictedAlignedError.NumBins)
	}
	if c.StructureModule.Weight != 0 && c.StructureModule.NumChannel <= 0 {
		return fmt.Errorf("invalid structure_module num_channel: %d (must be positive)", c.StructureModule.NumChannel)
	}
	return nil
}

// Global holds settings threaded through every block at construction.
// Inference gates dropout (identity) and sub-batched evaluation (active).
type Global struct {
	Inference    bool
	SubbatchSize int
	ZeroInit     bool
	Eps          float32
}

func (c *Global) Validate() error {
	if c.SubbatchSize < 0 {
		return fmt.Errorf("invalid subbatch_size: %d (must be non-negative)", c.SubbatchSize)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	return nil
}

// Model is the root configuration.
type Model struct {
	Name                    string
	Embeddings              Embeddings
	Heads                   Heads
	Global                  Global
	NumRecycle              int
	ResampleMSAInRecycling  bool
	EnsembleRepresentations bool
	NumEnsemble             int
	MaxExtraMSA             int
}

func (c *Model) Validate() error {
	if c.NumRecycle < 0 {
		return fmt.Errorf("invalid num_recycle: %d (must be non-negative)", c.NumRecycle)
	}
	if c.NumEnsemble <= 0 {
		return fmt.Errorf("invalid num_ensemble: %d (must be positive)", c.NumEnsemble)
	}
	if c.MaxExtraMSA <= 0 {
		return fmt.Errorf("invalid max_extra_msa: %d (must be positive)", c.MaxExtraMSA)
	}
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings_and_evoformer: %w", err)
	}
	if err := c.Heads.Validate(); err != nil {
		return fmt.Errorf("heads: %w", err)
	}
	return nil
}
