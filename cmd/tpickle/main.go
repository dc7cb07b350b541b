// Command tpickle loads a framework checkpoint file and prints a summary
// of its object graph.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/cortado-ml/tpickle/checkpoint"
	"github.com/cortado-ml/tpickle/domain"
	"github.com/cortado-ml/tpickle/pickle"
	"github.com/cortado-ml/tpickle/tensor"
)

func main() {
	verbose := flag.Bool("v", false, "print every tensor's shape and dtype")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tpickle [options] <checkpoint.pt>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	paths := flag.Args()
	if len(paths) != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(paths[0], *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "tpickle: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, verbose bool) error {
	cfg, err := checkpoint.LoadConfig(".")
	if err != nil {
		return err
	}

	a, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer a.Close()

	d := domain.New()
	defer d.Stop()

	root, err := d.Run(func() (pickle.Value, error) { return a.Load(cfg) })
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	printSummary(root, verbose)
	return nil
}

// printSummary walks root looking for Tensor objects and Dict keys,
// printing the tensor count, every top-level string key (sorted), and,
// when verbose, each tensor's shape and dtype.
func printSummary(root pickle.Value, verbose bool) {
	var tensors []*tensor.Tensor
	var keys []string

	if d, ok := root.AsDict(); ok {
		d.Iter(func(k, v pickle.Value) bool {
			if s, ok := k.AsString(); ok {
				keys = append(keys, s)
			}
			collectTensors(v, &tensors)
			return true
		})
	} else {
		collectTensors(root, &tensors)
	}

	sort.Strings(keys)
	fmt.Printf("tensors: %d\n", len(tensors))
	if len(keys) > 0 {
		fmt.Printf("metadata keys: %v\n", keys)
	}
	if verbose {
		for i, tn := range tensors {
			fmt.Printf("  [%d] %s\n", i, tn)
		}
	}
}

func collectTensors(v pickle.Value, out *[]*tensor.Tensor) {
	switch v.Kind() {
	case pickle.KindObject:
		o, _ := v.AsObject()
		if o.Tag == "Tensor" {
			if tn, ok := o.Payload.(*tensor.Tensor); ok {
				*out = append(*out, tn)
			}
			return
		}
		if d, ok := o.Payload.(*pickle.Dict); ok {
			d.Iter(func(_, vv pickle.Value) bool {
				collectTensors(vv, out)
				return true
			})
		}
	case pickle.KindDict:
		d, _ := v.AsDict()
		d.Iter(func(_, vv pickle.Value) bool {
			collectTensors(vv, out)
			return true
		})
	case pickle.KindList:
		items, _ := v.AsList()
		for _, it := range items {
			collectTensors(it, out)
		}
	case pickle.KindTuple:
		items, _ := v.AsTuple()
		for _, it := range items {
			collectTensors(it, out)
		}
	}
}
