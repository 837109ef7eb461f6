package visualization

import (
	"runtime"
	"sync"

	"mrimicrofit/internal/models"
)

// Item is one map to preview.
type Item struct {
	Stem   string
	Volume *models.Volume
}

// Result reports the previews written for one item.
type Result struct {
	Stem  string
	Paths []string
	Err   error
}

// PreviewAll writes mid-slice previews of every item into outputDir, splitting
// the items across cores goroutines. cores <= 0 uses every CPU. Results are
// returned in item order.
func PreviewAll(items []Item, outputDir string, cores int) []Result {
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results
	}

	perCore := (len(items) + cores - 1) / cores
	var wg sync.WaitGroup
	for c := 0; c < cores; c++ {
		start := c * perCore
		if start >= len(items) {
			break
		}
		end := min(start+perCore, len(items))

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				paths, err := Preview(items[i].Volume, outputDir, items[i].Stem)
				results[i] = Result{Stem: items[i].Stem, Paths: paths, Err: err}
			}
		}(start, end)
	}
	wg.Wait()
	return results
}
