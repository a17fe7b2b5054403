package health

// Status is the health of a backend.
type Status int

const (
	Up Status = iota
	Down
)

func (s Status) String() string {
	if s == Down {
		return "down"
	}
	return "up"
}

// Checker tracks consecutive probe results for one backend. A backend starts Up, goes Down after fall
// consecutive failures, and comes back Up after rise consecutive successes.
type Checker struct {
	rise, fall int

	status    Status
	successes int
	failures  int
}

// NewChecker creates a checker in the Up state. Thresholds below one are treated as one.
func NewChecker(rise, fall int) *Checker {
	return &Checker{rise: max(rise, 1), fall: max(fall, 1)}
}

// Record applies a probe result, returning true if the status changed.
func (c *Checker) Record(ok bool) bool {
	if ok {
		c.failures = 0
		c.successes++
		if c.status == Down && c.successes >= c.rise {
			c.status = Up
			return true
		}
		return false
	}

	c.successes = 0
	c.failures++
	if c.status == Up && c.failures >= c.fall {
		c.status = Down
		return true
	}
	return false
}

func (c *Checker) Status() Status {
	return c.status
}
