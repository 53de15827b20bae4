package callflow

import (
	"sync"

	"go.uber.org/zap"

	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

// Transition is one screen change.
type Transition struct {
	Screen    string
	SessionID string
}

// Navigator records the current screen and publishes every transition on a
// buffered channel. Transitions nobody reads in time are dropped from the
// channel; Current always reflects the latest one.
type Navigator struct {
	logger *zap.Logger

	mu      sync.Mutex
	current Transition
	ch      chan Transition
}

func NewNavigator(buffer int, logger *zap.Logger) *Navigator {
	return &Navigator{
		logger:  utils.OrNop(logger).Named("nav"),
		current: Transition{Screen: models.ScreenMain},
		ch:      make(chan Transition, buffer),
	}
}

func (n *Navigator) Navigate(screen, sessionID string) {
	t := Transition{Screen: screen, SessionID: sessionID}

	n.mu.Lock()
	n.current = t
	n.mu.Unlock()

	select {
	case n.ch <- t:
	default:
		n.logger.Debug("Transition not observed", zap.String("screen", screen))
	}
	n.logger.Info("Navigate", zap.String("screen", screen), zap.String("sessionId", sessionID))
}

func (n *Navigator) Current() Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *Navigator) Transitions() <-chan Transition { return n.ch }
