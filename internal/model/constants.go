package model

// ParticipantColors is the fixed palette; its length caps concurrent
// participants per session. Color assignment is bijective among active
// participants.
var ParticipantColors = []string{
	"#E53E3E", // red
	"#3182CE", // blue
	"#38A169", // green
	"#D69E2E", // gold
	"#805AD5", // purple
	"#DD6B20", // orange
}

// MaxParticipants per session, bound to the palette size.
const MaxParticipants = 6

// Card height clamp bounds.
const (
	MinCardHeight = 120
	MaxCardHeight = 600
)

// ClampCardHeight forces height into [MinCardHeight, MaxCardHeight].
func ClampCardHeight(h float64) float64 {
	if h < MinCardHeight {
		return MinCardHeight
	}
	if h > MaxCardHeight {
		return MaxCardHeight
	}
	return h
}

// NextAvailableColor returns the first palette color not in use, or "" when
// the palette is exhausted.
func NextAvailableColor(used []string) string {
	taken := make(map[string]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}
	for _, c := range ParticipantColors {
		if !taken[c] {
			return c
		}
	}
	return ""
}

// ParticipantLimitReached reports whether a session is full.
func ParticipantLimitReached(count int) bool {
	return count >= MaxParticipants
}
