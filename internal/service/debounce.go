package service

// DebounceCounter counts consecutive frames where both the face and the
// location matched. Any non-matching frame resets it to zero.
type DebounceCounter struct {
	count    int
	required int
}

func NewDebounceCounter(required int) DebounceCounter {
	if required < 1 {
		required = 1
	}
	return DebounceCounter{required: required}
}

// Observe records one frame and returns the new count.
func (d *DebounceCounter) Observe(combined bool) int {
	d.count = nextCount(d.count, combined)
	return d.count
}

func (d DebounceCounter) Ready() bool {
	return d.count >= d.required
}

func (d *DebounceCounter) Reset() {
	d.count = 0
}

func (d DebounceCounter) Count() int {
	return d.count
}

func (d DebounceCounter) Required() int {
	return d.required
}

func nextCount(prev int, combined bool) int {
	if combined {
		return prev + 1
	}
	return 0
}
