package config

import (
	"fmt"
	"sort"
)

// Default returns the base model configuration shared by every preset.
func Default() Model {
	evoformer := Evoformer{
		MSARowAttentionWithPairBias: Attention{
			NumHead:     8,
			Gating:      true,
			DropoutRate: 0.15,
			Orientation: PerRow,
		},
		MSAColumnAttention: Attention{
			NumHead:     8,
			Gating:      true,
			Orientation: PerColumn,
		},
		MSATransition: Transition{
			NumIntermediateFactor: 4,
			Orientation:           PerRow,
		},
		OuterProductMean: OuterProductMean{
			ChunkSize:       128,
			NumOuterChannel: 32,
		},
		TriangleAttentionStartingNode: Attention{
			NumHead:     4,
			Gating:      true,
			DropoutRate: 0.25,
			Orientation: PerRow,
		},
		TriangleAttentionEndingNode: Attention{
			NumHead:     4,
			Gating:      true,
			DropoutRate: 0.25,
			Orientation: PerColumn,
		},
		TriangleMultiplicationOutgoing: TriangleMultiplication{
			Equation:               EquationOutgoing,
			NumIntermediateChannel: 128,
			DropoutRate:            0.25,
		},
		TriangleMultiplicationIncoming: TriangleMultiplication{
			Equation:               EquationIncoming,
			NumIntermediateChannel: 128,
			DropoutRate:            0.25,
		},
		PairTransition: Transition{
			NumIntermediateFactor: 4,
			Orientation:           PerRow,
		},
	}

	return Model{
		Name: "base",
		Embeddings: Embeddings{
			MSAChannel:         256,
			PairChannel:        128,
			SeqChannel:         384,
			ExtraMSAChannel:    64,
			MaxRelativeFeature: 32,
			RecyclePos:         true,
			RecycleFeatures:    true,
			PrevPos:            Dgram{MinBin: 3.25, MaxBin: 20.75, NumBins: 15},
			EvoformerNumBlock:  48,
			ExtraMSAStackBlock: 4,
			Evoformer:          evoformer,
			ExtraMSAStack:      evoformer,
			Template: Template{
				Enabled:               false,
				EmbedTorsionAngles:    false,
				UseTemplateUnitVector: false,
				MaxTemplates:          4,
				SubbatchSize:          128,
				Attention: Attention{
					NumHead:  4,
					KeyDim:   64,
					ValueDim: 64,
				},
				DgramFeatures: Dgram{MinBin: 3.25, MaxBin: 50.75, NumBins: 39},
				TemplatePairStack: TemplatePairStack{
					NumBlock: 2,
					TriangleAttentionStartingNode: Attention{
						NumHead:     4,
						KeyDim:      64,
						ValueDim:    64,
						Gating:      true,
						DropoutRate: 0.25,
						Orientation: PerRow,
					},
					TriangleAttentionEndingNode: Attention{
						NumHead:     4,
						KeyDim:      64,
						ValueDim:    64,
						Gating:      true,
						DropoutRate: 0.25,
						Orientation: PerColumn,
					},
					TriangleMultiplicationOutgoing: TriangleMultiplication{
						Equation:               EquationOutgoing,
						NumIntermediateChannel: 64,
						DropoutRate:            0.25,
					},
					TriangleMultiplicationIncoming: TriangleMultiplication{
						Equation:               EquationIncoming,
						NumIntermediateChannel: 64,
						DropoutRate:            0.25,
					},
					PairTransition: Transition{
						NumIntermediateFactor: 2,
						Orientation:           PerRow,
					},
				},
			},
		},
		Heads: Heads{
			Distogram: DistogramHead{
				FirstBreak: 2.3125,
				LastBreak:  21.6875,
				NumBins:    64,
				Weight:     0.3,
			},
			PredictedLDDT: PredictedLDDTHead{
				NumBins:     50,
				NumChannels: 128,
				Weight:      0.01,
			},
			PredictedAlignedError: PredictedAlignedErrorHead{
				MaxErrorBin: 31,
				NumBins:     64,
				Weight:      0,
			},
			StructureModule: StructureModuleHead{
				NumChannel: 384,
				Weight:     1.0,
			},
		},
		Global: Global{
			Inference:    true,
			SubbatchSize: 4,
			ZeroInit:     true,
			Eps:          1e-5,
		},
		NumRecycle:             3,
		ResampleMSAInRecycling: true,
		NumEnsemble:            1,
		MaxExtraMSA:            1024,
	}
}

// Preset returns one of the published model configurations. Models 1 and 2
// embed templates with torsion rows, models 1, 3 and 4 widen the extra MSA
// to 5120 rows, and the _ptm variants enable the aligned-error head.
func Preset(name string) (Model, error) {
	base := name
	ptm := false
	if n := len(name); n > 4 && name[n-4:] == "_ptm" {
		base = name[:n-4]
		ptm = true
	}

	cfg := Default()
	cfg.Name = name
	switch base {
	case "model_1":
		cfg.MaxExtraMSA = 5120
		cfg.Embeddings.Template.Enabled = true
		cfg.Embeddings.Template.EmbedTorsionAngles = true
	case "model_2":
		cfg.Embeddings.Template.Enabled = true
		cfg.Embeddings.Template.EmbedTorsionAngles = true
	case "model_3", "model_4":
		cfg.MaxExtraMSA = 5120
	case "model_5":
	default:
		return Model{}, fmt.Errorf("unknown model preset: %q", name)
	}
	if ptm {
		cfg.Heads.PredictedAlignedError.Weight = 0.1
	}
	return cfg, nil
}

// PresetNames lists every name Preset accepts.
func PresetNames() []string {
	names := make([]string, 0, 10)
	for i := 1; i <= 5; i++ {
		names = append(names, fmt.Sprintf("model_%d", i))
		names = append(names, fmt.Sprintf("model_%d_ptm", i))
	}
	sort.Strings(names)
	return names
}
