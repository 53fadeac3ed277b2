package tensor

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

var maxWorkers = detectWorkers()

func detectWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Parallelism reports the number of workers compute kernels fan out to.
func Parallelism() int {
	return maxWorkers
}

// parallelRows splits [0, rows) into contiguous chunks and runs fn on each
// chunk concurrently, waiting for all of them to finish.
func parallelRows(rows int, fn func(start, end int)) {
	workers := maxWorkers
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := start + chunk
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
