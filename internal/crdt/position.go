package crdt

// Position is a dense, immutable list-ordering identifier. Elements of a
// replicated list are totally ordered by comparing positions
// lexicographically, so every replica arrives at the same element order
// without coordinating on indexes. A position is a path of segments; each
// segment carries the digit chosen inside the gap between two neighbors and
// the identifier of the replica that chose it. Two replicas that pick the
// same digit for the same gap still produce distinct, consistently ordered
// positions because the replica identifier breaks the tie.
type Position []PositionSegment

// PositionSegment is one step of a position path.
type PositionSegment struct {
	Digit   uint64
	Replica uint64
}

const (
	// positionMinDigit and positionMaxDigit bound the virtual digit space at
	// every depth. The max bound itself is never allocated to an element.
	positionMinDigit uint64 = 0
	positionMaxDigit uint64 = 1 << 32
)

// Compare orders two positions. It returns -1 when p sorts before other,
// 1 when it sorts after, and 0 when both are identical.
func (p Position) Compare(other Position) int {
	limit := len(p)
	if len(other) < limit {
		limit = len(other)
	}
	for i := 0; i < limit; i++ {
		if p[i].Digit != other[i].Digit {
			if p[i].Digit < other[i].Digit {
				return -1
			}
			return 1
		}
		if p[i].Replica != other[i].Replica {
			if p[i].Replica < other[i].Replica {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

// Clone returns an independent copy of the position.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	cloned := make(Position, len(p))
	copy(cloned, p)
	return cloned
}

// positionBetween allocates a fresh position strictly between left and right
// for the given replica. A nil left means the head of the list and a nil
// right means the tail. The allocation walks down the shared prefix until it
// finds a gap of at least two digits and claims the digit immediately after
// the left bound, which keeps positions short for the common append case.
func positionBetween(left, right Position, replica uint64) Position {
	prefix := make(Position, 0, len(left)+1)
	leftIndex, rightIndex := 0, 0
	rightActive := true

	for {
		var leftSegment PositionSegment
		leftHas := leftIndex < len(left)
		leftDigit := positionMinDigit
		if leftHas {
			leftSegment = left[leftIndex]
			leftDigit = leftSegment.Digit
		}

		var rightSegment PositionSegment
		rightHas := rightActive && rightIndex < len(right)
		rightDigit := positionMaxDigit
		if rightHas {
			rightSegment = right[rightIndex]
			rightDigit = rightSegment.Digit
		}

		if rightDigit-leftDigit > 1 {
			return append(prefix, PositionSegment{Digit: leftDigit + 1, Replica: replica})
		}

		switch {
		case leftHas:
			// No room at this depth: descend along the left bound. The right
			// bound only stays relevant when it shares this exact segment.
			prefix = append(prefix, leftSegment)
			leftIndex++
			if rightHas && rightSegment == leftSegment {
				rightIndex++
			} else {
				rightActive = false
			}
		case rightHas && rightDigit == positionMinDigit+1:
			// Left bound exhausted and the right bound sits one digit above
			// the floor: open the sub-range under the floor digit.
			prefix = append(prefix, PositionSegment{Digit: positionMinDigit, Replica: replica})
			rightActive = false
		case rightHas:
			// Right bound sits on the floor digit: follow it downward.
			prefix = append(prefix, rightSegment)
			rightIndex++
		default:
			// Both bounds exhausted: the next depth is fully open.
			return append(prefix, PositionSegment{Digit: positionMinDigit + 1, Replica: replica})
		}
	}
}
