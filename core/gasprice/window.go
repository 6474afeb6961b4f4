package gasprice

import (
	"math/big"
	"time"
)

type sample struct {
	at    time.Time
	value *big.Int
}

// window keeps at most one sample per second for the last size seconds. Within
// the same second the lowest value wins.
type window struct {
	samples  []sample
	size     int
	validity time.Duration
}

func newWindow(validity time.Duration) *window {
	size := int(validity / time.Second)
	if size < 1 {
		size = 1
	}
	return &window{size: size, validity: validity}
}

func (w *window) push(v *big.Int, now time.Time) {
	if n := len(w.samples); n > 0 && now.Sub(w.samples[n-1].at) < time.Second {
		if v.Cmp(w.samples[n-1].value) < 0 {
			w.samples[n-1] = sample{at: now, value: new(big.Int).Set(v)}
		}
		return
	}

	if len(w.samples) >= w.size {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, sample{at: now, value: new(big.Int).Set(v)})
}

func (w *window) fresh(now time.Time) []sample {
	var out []sample
	for _, s := range w.samples {
		if now.Sub(s.at) <= w.validity {
			out = append(out, s)
		}
	}
	return out
}

func (w *window) min(now time.Time) (*big.Int, bool) {
	return w.reduce(now, -1)
}

func (w *window) max(now time.Time) (*big.Int, bool) {
	return w.reduce(now, 1)
}

func (w *window) reduce(now time.Time, sign int) (*big.Int, bool) {
	samples := w.fresh(now)
	if len(samples) == 0 {
		return nil, false
	}

	out := samples[0].value
	for _, s := range samples[1:] {
		if s.value.Cmp(out) == sign {
			out = s.value
		}
	}
	return new(big.Int).Set(out), true
}
