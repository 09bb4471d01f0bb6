package pipeline

// progress forwards percentages to a ProgressFunc, dropping values that do not
// advance and clamping to [0,100].
type progress struct {
	fn   ProgressFunc
	last int
}

func newProgress(fn ProgressFunc) *progress {
	return &progress{fn: fn, last: -1}
}

func (p *progress) report(percent float64) {
	v := min(100, max(0, int(percent)))
	if v <= p.last {
		return
	}
	p.last = v
	if p.fn != nil {
		p.fn(uint8(v))
	}
}

// span reports done/total mapped onto [from, to]. An unknown total reports nothing.
func (p *progress) span(done, total int, from, to float64) {
	if total <= 0 {
		return
	}
	frac := min(1, float64(done)/float64(total))
	p.report(from + frac*(to-from))
}
