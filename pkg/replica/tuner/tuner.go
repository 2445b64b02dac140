// Package tuner proposes copy concurrency and buffer sizes from the host's
// CPU and memory when the configuration leaves them on auto.
package tuner

const (
	minConcurrent = 2
	maxConcurrent = 16

	minChunkSize = 256 << 10
	maxChunkSize = 8 << 20
)

// bufferMemoryFraction is the share of available RAM spent on copy buffers
// across all concurrent operations.
const bufferMemoryFraction = 0.01

// Proposal holds tuned values.
type Proposal struct {
	// MaxConcurrent is the number of files processed at once.
	MaxConcurrent int

	// ChunkSize is the copy and hash read size in bytes.
	ChunkSize int
}

// Calculate derives a Proposal from resources. Copies are IO bound, so
// concurrency grows with half the cores and is clamped to a small range.
func Calculate(resources SystemResources) Proposal {
	concurrent := resources.CPUCores / 2
	concurrent = max(concurrent, minConcurrent)
	concurrent = min(concurrent, maxConcurrent)

	return Proposal{
		MaxConcurrent: concurrent,
		ChunkSize:     calculateChunkSize(resources.AvailableRAM, concurrent),
	}
}

// CalculateWithOverrides applies non-zero configured values over the
// calculated proposal.
func CalculateWithOverrides(resources SystemResources, concurrentOverride, chunkOverride int) Proposal {
	p := Calculate(resources)

	if concurrentOverride > 0 {
		p.MaxConcurrent = concurrentOverride
		p.ChunkSize = calculateChunkSize(resources.AvailableRAM, concurrentOverride)
	}
	if chunkOverride > 0 {
		p.ChunkSize = chunkOverride
	}

	return p
}

// calculateChunkSize splits the buffer budget between concurrent copies and
// rounds down to a power of two.
func calculateChunkSize(availableRAM int64, concurrent int) int {
	if concurrent < 1 {
		concurrent = 1
	}
	budget := int64(float64(availableRAM)*bufferMemoryFraction) / int64(concurrent)

	size := int64(minChunkSize)
	for size*2 <= budget && size*2 <= maxChunkSize {
		size *= 2
	}
	return int(size)
}
