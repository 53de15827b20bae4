package models

// Screens of the call cycle.
const (
	ScreenMain      = "/main"
	ScreenMatching  = "/matching"
	ScreenVideoChat = "/videochat"
	ScreenReview    = "/review"
)

// Navigator moves the cycle to another screen. sessionID is empty for
// screens that do not carry one.
type Navigator interface {
	Navigate(screen, sessionID string)
}
