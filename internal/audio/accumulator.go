package audio

import "fmt"

// Accumulator buffers one session's samples and cuts them into fixed-stride chunks.
// It is not safe for concurrent use; the owning session serializes access.
type Accumulator struct {
	stride  int
	samples []float32

	appended uint64
	drained  uint64
}

// AccumulatorStats represents accumulator counters for monitoring
type AccumulatorStats struct {
	Stride          int    `json:"stride"`
	BufferedSamples int    `json:"buffered_samples"`
	AppendedSamples uint64 `json:"appended_samples"`
	DrainedSamples  uint64 `json:"drained_samples"`
}

// NewAccumulator creates an accumulator that emits chunks of exactly stride samples
func NewAccumulator(stride int) (*Accumulator, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", stride)
	}
	return &Accumulator{
		stride:  stride,
		samples: make([]float32, 0, stride*2),
	}, nil
}

// Append adds samples to the buffer tail
func (a *Accumulator) Append(samples []float32) {
	a.samples = append(a.samples, samples...)
	a.appended += uint64(len(samples))
}

// DrainReady removes every complete stride-sized chunk from the buffer head, in order.
// Afterwards the buffer holds fewer than stride samples.
func (a *Accumulator) DrainReady() [][]float32 {
	n := len(a.samples) / a.stride
	if n == 0 {
		return nil
	}

	chunks := make([][]float32, n)
	for i := 0; i < n; i++ {
		chunk := make([]float32, a.stride)
		copy(chunk, a.samples[i*a.stride:(i+1)*a.stride])
		chunks[i] = chunk
	}

	consumed := n * a.stride
	rest := copy(a.samples, a.samples[consumed:])
	a.samples = a.samples[:rest]
	a.drained += uint64(consumed)

	return chunks
}

// FlushRemainder removes and returns everything still buffered (0 to stride-1 samples
// after a drain pass). Returns nil when the buffer is empty.
func (a *Accumulator) FlushRemainder() []float32 {
	if len(a.samples) == 0 {
		return nil
	}
	out := make([]float32, len(a.samples))
	copy(out, a.samples)
	a.samples = a.samples[:0]
	a.drained += uint64(len(out))
	return out
}

// Reset discards buffered samples without counting them as drained
func (a *Accumulator) Reset() {
	a.samples = a.samples[:0]
}

// Len returns the number of buffered samples
func (a *Accumulator) Len() int {
	return len(a.samples)
}

// Stride returns the configured chunk size
func (a *Accumulator) Stride() int {
	return a.stride
}

// Stats returns accumulator counters
func (a *Accumulator) Stats() AccumulatorStats {
	return AccumulatorStats{
		Stride:          a.stride,
		BufferedSamples: len(a.samples),
		AppendedSamples: a.appended,
		DrainedSamples:  a.drained,
	}
}
