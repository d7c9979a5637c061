package worker

// Pool counts the job slots one scheduler has in use.
type Pool struct {
	slots chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Free is the number of slots not in use.
func (p *Pool) Free() int {
	return cap(p.slots) - len(p.slots)
}

func (p *Pool) InFlight() int {
	return len(p.slots)
}

// TryAcquire takes a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
	}
}
