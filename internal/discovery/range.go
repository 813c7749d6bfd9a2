package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/five82/tether/internal/validate"
)

// Range is an inclusive, ascending port range.
type Range struct {
	Start int
	End   int
}

// NewRange validates both endpoints with the shared port rule.
func NewRange(start, end int) (Range, error) {
	if _, res := validate.Port(strconv.Itoa(start)); !res.Valid {
		return Range{}, fmt.Errorf("%w: range start: %s", ErrInvalidOptions, res.Error)
	}
	if _, res := validate.Port(strconv.Itoa(end)); !res.Valid {
		return Range{}, fmt.Errorf("%w: range end: %s", ErrInvalidOptions, res.Error)
	}
	if end < start {
		return Range{}, fmt.Errorf("%w: range end %d below start %d", ErrInvalidOptions, end, start)
	}
	return Range{Start: start, End: end}, nil
}

// ParseRange accepts "9090-9099" or a single port.
func ParseRange(value string) (Range, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(value), "-")
	start, res := validate.Port(lo)
	if !res.Valid {
		return Range{}, fmt.Errorf("%w: range start: %s", ErrInvalidOptions, res.Error)
	}
	if !found {
		return Range{Start: start, End: start}, nil
	}
	end, res := validate.Port(hi)
	if !res.Valid {
		return Range{}, fmt.Errorf("%w: range end: %s", ErrInvalidOptions, res.Error)
	}
	return NewRange(start, end)
}

// Len returns the number of ports in r. A range reaching outside the valid
// port space is empty.
func (r Range) Len() int {
	if r.End < r.Start || r.Start < validate.MinPort || r.End > validate.MaxPort {
		return 0
	}
	return r.End - r.Start + 1
}

// Ports returns the candidates in ascending order.
func (r Range) Ports() []int {
	n := r.Len()
	ports := make([]int, n)
	for i := range ports {
		ports[i] = r.Start + i
	}
	return ports
}

// Contains reports whether port lies within r.
func (r Range) Contains(port int) bool {
	return r.Len() > 0 && port >= r.Start && port <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}
