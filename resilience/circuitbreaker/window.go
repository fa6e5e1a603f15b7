package circuitbreaker

import "time"

// window is the rolling record of recent outcomes.
type window interface {
	record(now time.Time, failure bool)
	totals(now time.Time) (failures, total int)
	reset()
}

func newWindow(cfg Config) window {
	if cfg.WindowDuration > 0 {
		return newBucketWindow(cfg.WindowDuration, cfg.Buckets)
	}

	return newRingWindow(cfg.WindowSize)
}

// ringWindow keeps the last len(outcomes) outcomes.
type ringWindow struct {
	outcomes []bool
	next     int
	filled   int
	failures int
}

func newRingWindow(size int) *ringWindow {
	return &ringWindow{outcomes: make([]bool, max(size, 1))}
}

func (w *ringWindow) record(_ time.Time, failure bool) {
	if w.filled == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}

	w.outcomes[w.next] = failure
	if failure {
		w.failures++
	}

	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *ringWindow) totals(time.Time) (int, int) {
	return w.failures, w.filled
}

func (w *ringWindow) reset() {
	clear(w.outcomes)
	w.next, w.filled, w.failures = 0, 0, 0
}

type bucket struct {
	epoch     int64
	failures  int
	successes int
}

// bucketWindow splits a duration into fixed buckets addressed by
// now/width, so buckets older than the window are ignored and reused.
type bucketWindow struct {
	width   int64
	buckets []bucket
}

const staleEpoch = -1 << 62

func newBucketWindow(d time.Duration, n int) *bucketWindow {
	n = max(n, 1)

	w := &bucketWindow{width: max(int64(d)/int64(n), 1), buckets: make([]bucket, n)}
	w.reset()

	return w
}

func (w *bucketWindow) epoch(now time.Time) int64 {
	return now.UnixNano() / w.width
}

func (w *bucketWindow) slot(epoch int64) *bucket {
	idx := epoch % int64(len(w.buckets))
	if idx < 0 {
		idx += int64(len(w.buckets))
	}

	return &w.buckets[idx]
}

func (w *bucketWindow) record(now time.Time, failure bool) {
	e := w.epoch(now)

	b := w.slot(e)
	if b.epoch != e {
		*b = bucket{epoch: e}
	}

	if failure {
		b.failures++
	} else {
		b.successes++
	}
}

func (w *bucketWindow) totals(now time.Time) (int, int) {
	e := w.epoch(now)
	oldest := e - int64(len(w.buckets)) + 1

	var failures, total int

	for _, b := range w.buckets {
		if b.epoch < oldest || b.epoch > e {
			continue
		}

		failures += b.failures
		total += b.failures + b.successes
	}

	return failures, total
}

func (w *bucketWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{epoch: staleEpoch}
	}
}
