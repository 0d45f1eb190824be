package host

import "fmt"

// Position is a zero-based line/character location in a text document
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// NewPosition returns a position, rejecting negative coordinates
func NewPosition(line, character int) (Position, error) {
	if line < 0 || character < 0 {
		return Position{}, fmt.Errorf("illegal position %d:%d", line, character)
	}
	return Position{Line: line, Character: character}, nil
}

// Compare returns -1, 0 or 1
func (p Position) Compare(other Position) int {
	switch {
	case p.Line < other.Line:
		return -1
	case p.Line > other.Line:
		return 1
	case p.Character < other.Character:
		return -1
	case p.Character > other.Character:
		return 1
	}
	return 0
}

func (p Position) IsBefore(other Position) bool        { return p.Compare(other) < 0 }
func (p Position) IsBeforeOrEqual(other Position) bool { return p.Compare(other) <= 0 }
func (p Position) IsAfter(other Position) bool         { return p.Compare(other) > 0 }
func (p Position) IsEqual(other Position) bool         { return p.Compare(other) == 0 }

// Translate shifts the position, clamping at zero
func (p Position) Translate(lineDelta, characterDelta int) Position {
	out := Position{Line: p.Line + lineDelta, Character: p.Character + characterDelta}
	if out.Line < 0 {
		out.Line = 0
	}
	if out.Character < 0 {
		out.Character = 0
	}
	return out
}

// Range is an ordered pair of positions; Start is never after End
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// NewRange orders its arguments so Start <= End
func NewRange(a, b Position) Range {
	if b.IsBefore(a) {
		a, b = b, a
	}
	return Range{Start: a, End: b}
}

// IsEmpty reports whether start and end coincide
func (r Range) IsEmpty() bool { return r.Start.IsEqual(r.End) }

// IsSingleLine reports whether the range stays on one line
func (r Range) IsSingleLine() bool { return r.Start.Line == r.End.Line }

// Contains reports whether p lies inside the range, bounds included
func (r Range) Contains(p Position) bool {
	return !p.IsBefore(r.Start) && !p.IsAfter(r.End)
}

// ContainsRange reports whether other lies entirely inside r
func (r Range) ContainsRange(other Range) bool {
	return r.Contains(other.Start) && r.Contains(other.End)
}

// Intersection returns the overlap of two ranges, or false if they are disjoint
func (r Range) Intersection(other Range) (Range, bool) {
	start := r.Start
	if other.Start.IsAfter(start) {
		start = other.Start
	}
	end := r.End
	if other.End.IsBefore(end) {
		end = other.End
	}
	if start.IsAfter(end) {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// Union returns the smallest range covering both
func (r Range) Union(other Range) Range {
	start := r.Start
	if other.Start.IsBefore(start) {
		start = other.Start
	}
	end := r.End
	if other.End.IsAfter(end) {
		end = other.End
	}
	return Range{Start: start, End: end}
}
