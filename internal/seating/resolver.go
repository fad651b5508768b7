// Package seating decides which seat an offer may take given the current
// occupancy of a performance.
//
// Wheelchair seats are backed by a buffer of Normal seats: a wheelchair
// request is refused once fewer than BufferSize Normal seats remain free, and
// every occupied wheelchair seat withholds BufferSize Normal seats from sale.
package seating

import "github.com/robertarktes/seat-allocation/internal/domain"

const DefaultBufferSize = 6

type Policy struct {
	BufferSize int
}

func NewPolicy(bufferSize int) Policy {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return Policy{BufferSize: bufferSize}
}

// Candidates returns the seats an offer of the given category may take, in
// allocation order. The input slice is not modified.
func (p Policy) Candidates(seats []domain.Seat, unavailable map[string]struct{}, category domain.Category) []domain.Seat {
	ordered := make([]domain.Seat, len(seats))
	copy(ordered, seats)
	domain.SortSeats(ordered)

	var (
		takenWheelchair int
		freeNormal      []domain.Seat
		freeWheelchair  []domain.Seat
	)
	for _, seat := range ordered {
		_, taken := unavailable[seat.Code]
		switch {
		case seat.Category == domain.CategoryWheelchair && taken:
			takenWheelchair++
		case seat.Category == domain.CategoryWheelchair:
			freeWheelchair = append(freeWheelchair, seat)
		case !taken:
			freeNormal = append(freeNormal, seat)
		}
	}

	if category == domain.CategoryWheelchair {
		if len(freeNormal) < p.BufferSize {
			return nil
		}
		return freeWheelchair
	}

	reserved := p.BufferSize * takenWheelchair
	if reserved >= len(freeNormal) {
		return nil
	}
	return freeNormal[:len(freeNormal)-reserved]
}

// Pick returns the first candidate, if any.
func (p Policy) Pick(seats []domain.Seat, unavailable map[string]struct{}, category domain.Category) (domain.Seat, bool) {
	candidates := p.Candidates(seats, unavailable, category)
	if len(candidates) == 0 {
		return domain.Seat{}, false
	}
	return candidates[0], true
}
