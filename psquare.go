package yieldloop

import (
	"slices"
	"time"
)

// quantileMarkers estimates a single quantile of a stream in constant space,
// using the P-Square algorithm.
//
// Reference:
// Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for Dynamic Calculation
// of Quantiles and Histograms Without Storing Observations". Communications
// of the ACM, 28(10), pp. 1076-1085.
//
// Not safe for concurrent use.
type quantileMarkers struct {
	height [5]float64 // marker heights, the first n observations until primed
	pos    [5]float64 // actual marker positions
	want   [5]float64 // desired marker positions
	step   [5]float64 // desired position increments per observation
	p      float64
	n      int
	primed bool
}

func newQuantileMarkers(p float64) *quantileMarkers {
	p = min(max(p, 0), 1)
	return &quantileMarkers{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (m *quantileMarkers) observe(x float64) {
	if !m.primed {
		m.height[m.n] = x
		m.n++
		if m.n == len(m.height) {
			slices.Sort(m.height[:])
			m.pos = [5]float64{0, 1, 2, 3, 4}
			m.want = [5]float64{0, 2 * m.p, 4 * m.p, 2 + 2*m.p, 4}
			m.primed = true
		}
		return
	}
	m.n++

	// cell k satisfies height[k] <= x < height[k+1], extremes widen the range
	var k int
	switch {
	case x < m.height[0]:
		m.height[0] = x
	case x >= m.height[4]:
		m.height[4] = x
		k = 3
	default:
		for x >= m.height[k+1] {
			k++
		}
	}

	for i := k + 1; i < 5; i++ {
		m.pos[i]++
	}
	for i := range m.want {
		m.want[i] += m.step[i]
	}

	for i := 1; i <= 3; i++ {
		d := m.want[i] - m.pos[i]
		if !(d >= 1 && m.pos[i+1]-m.pos[i] > 1) && !(d <= -1 && m.pos[i-1]-m.pos[i] < -1) {
			continue
		}
		sign := 1.0
		if d < 0 {
			sign = -1
		}
		if h := m.parabolic(i, sign); m.height[i-1] < h && h < m.height[i+1] {
			m.height[i] = h
		} else {
			m.height[i] = m.linear(i, sign)
		}
		m.pos[i] += sign
	}
}

func (m *quantileMarkers) parabolic(i int, d float64) float64 {
	prev, cur, next := m.pos[i-1], m.pos[i], m.pos[i+1]
	return m.height[i] + d/(next-prev)*
		((cur-prev+d)*(m.height[i+1]-m.height[i])/(next-cur)+
			(next-cur-d)*(m.height[i]-m.height[i-1])/(cur-prev))
}

func (m *quantileMarkers) linear(i int, d float64) float64 {
	j := i + int(d)
	return m.height[i] + d*(m.height[j]-m.height[i])/(m.pos[j]-m.pos[i])
}

// value returns the current estimate, or 0 with no observations. Until five
// observations have been seen it is read directly from the sorted sample.
func (m *quantileMarkers) value() float64 {
	if m.n == 0 {
		return 0
	}
	if !m.primed {
		sample := slices.Clone(m.height[:m.n])
		slices.Sort(sample)
		return sample[int(float64(m.n-1)*m.p)]
	}
	return m.height[2]
}

// DurationSummary describes a stream of durations.
type DurationSummary struct {
	Count int64
	Mean  time.Duration
	Max   time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

// durationStats folds durations into a [DurationSummary], without retaining
// them. Not safe for concurrent use.
type durationStats struct {
	p50, p90, p99 *quantileMarkers
	count         int64
	sum           time.Duration
	max           time.Duration
}

func newDurationStats() *durationStats {
	return &durationStats{
		p50: newQuantileMarkers(0.50),
		p90: newQuantileMarkers(0.90),
		p99: newQuantileMarkers(0.99),
	}
}

func (s *durationStats) observe(d time.Duration) {
	s.count++
	s.sum += d
	s.max = max(s.max, d)
	x := float64(d)
	s.p50.observe(x)
	s.p90.observe(x)
	s.p99.observe(x)
}

func (s *durationStats) summary() DurationSummary {
	if s.count == 0 {
		return DurationSummary{}
	}
	return DurationSummary{
		Count: s.count,
		Mean:  s.sum / time.Duration(s.count),
		Max:   s.max,
		P50:   time.Duration(s.p50.value()),
		P90:   time.Duration(s.p90.value()),
		P99:   time.Duration(s.p99.value()),
	}
}
