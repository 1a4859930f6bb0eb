package feature

// series is a fixed capacity ring of float64 values, oldest evicted first.
type series struct {
	data  []float64
	index int // next write position
	size  int
}

func newSeries(capacity int) *series {
	if capacity <= 0 {
		capacity = DefaultHistoryDepth
	}
	return &series{data: make([]float64, capacity)}
}

func (s *series) push(v float64) {
	s.data[s.index] = v
	s.index = (s.index + 1) % len(s.data)
	if s.size < len(s.data) {
		s.size++
	}
}

func (s *series) len() int { return s.size }

// at returns the value k steps back from the newest; at(0) is the newest.
func (s *series) at(k int) float64 {
	idx := (s.index - 1 - k + 2*len(s.data)) % len(s.data)
	return s.data[idx]
}

// tail returns the newest n values ordered oldest to newest. The caller must
// check len() first.
func (s *series) tail(n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = s.at(n - 1 - i)
	}
	return out
}
