package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/23skdu/longbow-sibyl/internal/features"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

func main() {
	path := flag.String("features", "", "Path to an Arrow IPC feature file")
	stats := flag.Bool("stats", false, "Print per-feature value ranges and NaN/Inf counts")
	flag.Parse()

	if *path == "" {
		log.Fatal("--features is required")
	}

	batch, err := features.LoadCache(*path)
	if err != nil {
		log.Fatalf("Failed to load features: %v", err)
	}

	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := batch[name]
		fmt.Printf("%-32s %v\n", name, t.Shape)
		if !*stats {
			continue
		}
		lo, hi := t.Data[0], t.Data[0]
		var sum float64
		for _, v := range t.Data {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
			sum += float64(v)
		}
		nans, infs := tensor.CheckFinite(t)
		fmt.Printf("%-32s min %.4g  max %.4g  mean %.4g  nan %d  inf %d\n",
			"", lo, hi, sum/float64(t.Numel()), nans, infs)
	}
	fmt.Printf("\n%d features\n", len(names))
}
