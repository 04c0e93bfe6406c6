package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/config"
	"github.com/23skdu/longbow-sibyl/internal/fold"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// Generates a synthetic safetensors checkpoint for a preset, for tests and
// dry runs without the published parameters. Block-count overrides keep
// fixture files small.
func main() {
	preset := flag.String("preset", "model_1", "Model preset to synthesize parameters for")
	out := flag.String("out", "params.safetensors", "Output path")
	seed := flag.Int64("seed", 1, "Initializer seed")
	evoBlocks := flag.Int("evoformer-blocks", -1, "Override Evoformer block count")
	extraBlocks := flag.Int("extra-blocks", -1, "Override extra-MSA block count")
	flag.Parse()

	cfg, err := config.Preset(*preset)
	if err != nil {
		log.Fatalf("Failed to resolve preset: %v", err)
	}
	if *evoBlocks >= 0 {
		cfg.Embeddings.EvoformerNumBlock = *evoBlocks
	}
	if *extraBlocks >= 0 {
		cfg.Embeddings.ExtraMSAStackBlock = *extraBlocks
	}

	store := checkpoint.NewInitStore(*seed)
	if _, err := fold.NewFold(&cfg, store, nil); err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}

	params := make(map[string]*tensor.Tensor, store.Len())
	var totalElems int
	for _, name := range store.Names() {
		t, _ := store.Get(name)
		params[name] = t
		totalElems += t.Numel()
	}
	if err := checkpoint.WriteSafetensors(*out, params); err != nil {
		log.Fatalf("Failed to write checkpoint: %v", err)
	}
	fmt.Printf("%s: %d tensors, %d parameters\n", *out, len(params), totalElems)
}
