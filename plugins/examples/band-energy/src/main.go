//go:build tinygo || wasm

// Command band-energy is an example embedding plugin. It splits the clip
// into equal time slices and reports, per slice, the log energy and the
// zero-crossing rate. Build with:
//
//	tinygo build -o ../band-energy.wasm -target=wasip1 -buildmode=c-shared ./src
package main

import (
	"math"

	"github.com/loqalabs/loqa-speech/plugins/examples/internal/host"
)

// dim must match stream.dim in manifest.yaml.
const dim = 768

const slices = dim / 2

func main() {}

//export alloc
func alloc(size uint32) uintptr {
	return host.Alloc(size)
}

//export embed
func embed(ptr uintptr, n uint32, _ uint32) uintptr {
	out := make([]float32, dim)
	if n == 0 {
		host.Log("band-energy: empty input")
		return host.Output(out)
	}
	x := host.Samples(ptr, n)
	step := int(n) / slices
	if step == 0 {
		step = 1
	}
	for s := 0; s < slices; s++ {
		start := s * step
		if start >= len(x) {
			break
		}
		end := start + step
		if end > len(x) || s == slices-1 {
			end = len(x)
		}
		var energy float64
		crossings := 0
		for i := start; i < end; i++ {
			v := float64(x[i])
			energy += v * v
			if i > start && (x[i] >= 0) != (x[i-1] >= 0) {
				crossings++
			}
		}
		count := float64(end - start)
		out[2*s] = float32(math.Log10(energy/count + 1e-10))
		out[2*s+1] = float32(float64(crossings) / count)
	}
	return host.Output(out)
}
