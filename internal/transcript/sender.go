// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcript

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextcloud/go_live_interpreter/internal/constants"
)

// Caption is one line shown to call participants.
type Caption struct {
	Final   bool
	LangID  string
	Message string
	// Original marks recognized text as opposed to a translation.
	Original bool
}

type CaptionSink interface {
	SendCaption(c Caption)
}

// Sender relays captions to the call without ever blocking the producer. A
// slow sink widens the send timeout; the timeout shrinks back as sends
// recover.
type Sender struct {
	sink   CaptionSink
	ch     chan Caption
	logger *slog.Logger
}

func NewSender(sink CaptionSink, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		sink:   sink,
		ch:     make(chan Caption, constants.CaptionQueueSize),
		logger: logger.With("component", "caption_sender"),
	}
}

// Publish queues c and reports whether there was room.
func (s *Sender) Publish(c Caption) bool {
	select {
	case s.ch <- c:
		return true
	default:
		s.logger.Warn("caption queue full, dropping", "lang", c.LangID)
		return false
	}
}

func (s *Sender) Run(ctx context.Context) {
	s.logger.Debug("caption sender started")
	defer s.logger.Debug("caption sender stopped")

	timeout := constants.SendTimeout
	timeoutCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.ch:
			done := make(chan struct{})
			go func() {
				s.sink.SendCaption(c)
				close(done)
			}()

			select {
			case <-done:
				if timeoutCount > 0 {
					timeoutCount--
				}
				if timeoutCount == 0 && timeout > constants.SendTimeout {
					timeout = max(constants.SendTimeout, time.Duration(float64(timeout)/constants.TimeoutIncreaseFactor))
				}
			case <-time.After(timeout):
				s.logger.Error("timeout sending caption",
					"lang", c.LangID,
					"timeout", timeout,
				)
				if timeout <= constants.MaxCaptionSendTimeout {
					timeoutCount++
					if timeoutCount >= 5 {
						timeout = time.Duration(float64(timeout) * constants.TimeoutIncreaseFactor)
						timeoutCount = 0
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
