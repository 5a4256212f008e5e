package game

// ActionKind enumerates what a player can do on their turn.
type ActionKind uint8

const (
	ActionMovePiece ActionKind = iota
	ActionStalemate
	ActionSurrender
)

func (k ActionKind) String() string {
	switch k {
	case ActionMovePiece:
		return "MOVE_PIECE"
	case ActionStalemate:
		return "STALEMATE"
	case ActionSurrender:
		return "SURRENDER"
	default:
		return "UNKNOWN"
	}
}

// Action is a game-level command exchanged between peers. Move is only
// meaningful for ActionMovePiece and is expressed in the sender's orientation.
type Action struct {
	Kind ActionKind
	Move Move
}

// MovePiece wraps m in an action.
func MovePiece(m Move) Action {
	return Action{Kind: ActionMovePiece, Move: m}
}

// Mirror converts the action into the receiving peer's orientation.
func (a Action) Mirror() Action {
	if a.Kind != ActionMovePiece {
		return a
	}
	return Action{Kind: a.Kind, Move: a.Move.Mirror()}
}
