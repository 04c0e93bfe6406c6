package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/23skdu/longbow-sibyl/internal/checkpoint"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func main() {
	paramsPath := flag.String("params", "", "Path to model parameters (.npz or .safetensors)")
	raw := flag.Bool("raw", false, "Print names as stored, without legacy remapping")
	flag.Parse()

	if *paramsPath == "" {
		log.Fatal("--params is required")
	}

	var params map[string]*tensor.Tensor
	if *raw {
		arrays, err := checkpoint.LoadArrays(*paramsPath)
		if err != nil {
			log.Fatalf("Failed to load parameters: %v", err)
		}
		params = arrays
	} else {
		store, err := checkpoint.Load(*paramsPath)
		if err != nil {
			log.Fatalf("Failed to load parameters: %v", err)
		}
		params = make(map[string]*tensor.Tensor, store.Len())
		for _, name := range store.Names() {
			if t, ok := store.Get(name); ok {
				params[name] = t
			}
		}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var totalElems int
	for _, name := range names {
		t := params[name]
		fmt.Printf("%-80s %v\n", name, t.Shape)
		totalElems += t.Numel()
	}
	fmt.Printf("\n%d tensors, %d parameters, %.1f MiB\n",
		len(names), totalElems, float64(totalElems*4)/(1<<20))
}
