package domain

// Direction is where a caller asked to go relative to the current room.
type Direction int

const (
	Next Direction = iota
	Previous
)

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case Previous:
		return "previous"
	default:
		return "unknown"
	}
}

// ParseDirection maps a recognized utterance to a Direction.
// Returns ok=false for anything outside the navigation grammar.
func ParseDirection(text string) (Direction, bool) {
	switch text {
	case "next":
		return Next, true
	case "previous":
		return Previous, true
	default:
		return Next, false
	}
}
