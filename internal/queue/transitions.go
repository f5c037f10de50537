package queue

var transitions = map[Status][]Status{
	StatusQueued:    {StatusQuoted, StatusCancelled},
	StatusQuoted:    {StatusSigned, StatusCancelled},
	StatusSigned:    {StatusSubmitted, StatusCancelled},
	StatusSubmitted: {StatusFilled, StatusExpired, StatusCancelled},
}

// CanTransition 判断 from -> to 是否为合法迁移。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(s Status) bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

func validPatch(to Status, patch Patch) bool {
	if patch.Quote != nil && to != StatusQuoted {
		return false
	}
	if patch.Signed != nil && to != StatusSigned {
		return false
	}
	if patch.VenueOrderID != "" && to != StatusSubmitted {
		return false
	}
	if patch.Execution != nil && to != StatusFilled {
		return false
	}
	return true
}
