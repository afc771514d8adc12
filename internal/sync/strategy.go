package sync

// Strategy defines how a push conflict is resolved.
type Strategy string

const (
	// StrategyServerWins keeps the server version and discards the local change.
	StrategyServerWins Strategy = "server_wins"

	// StrategyLocalWins forces local deletes through. Local creates and
	// updates cannot be forced and fail resolution.
	StrategyLocalWins Strategy = "local_wins"

	// StrategyNewestWins keeps the version with the higher SEQUENCE, then
	// the later modification time.
	StrategyNewestWins Strategy = "newest_wins"

	// StrategyManual parks the change for the user to resolve.
	StrategyManual Strategy = "manual"
)

// IsValid returns true if the strategy is a known value.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyServerWins, StrategyLocalWins, StrategyNewestWins, StrategyManual:
		return true
	default:
		return false
	}
}

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	return string(s)
}

// Description returns a human-readable description of the strategy.
func (s Strategy) Description() string {
	switch s {
	case StrategyServerWins:
		return "Keep the server version, discard the local change"
	case StrategyLocalWins:
		return "Force local deletions, fail other conflicts"
	case StrategyNewestWins:
		return "Keep the version with the higher sequence or later modification"
	case StrategyManual:
		return "Leave the conflict for manual resolution"
	default:
		return "Unknown strategy"
	}
}

// AllStrategies returns all valid strategies.
func AllStrategies() []Strategy {
	return []Strategy{
		StrategyServerWins,
		StrategyLocalWins,
		StrategyNewestWins,
		StrategyManual,
	}
}
