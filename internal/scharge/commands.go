package scharge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// SendAuthorize sends one Authorize command and waits for the charger's
// ack. The boolean is the charger's verdict; the string is a
// human-readable reason suitable for logs. Guards are checked before
// anything touches the wire: the charger must be connected, the state
// model fully initialized, and the connector ID valid.
func (s *Session) SendAuthorize(ctx context.Context, current int, purpose string, connectorID int) (bool, string) {
	if !s.IsConnected() {
		return false, "not connected"
	}
	if !s.state.Initialized() {
		return false, "charger state not initialized"
	}
	n := len(s.state.Connectors())
	if connectorID < 1 || connectorID > n {
		return false, fmt.Sprintf("invalid connector ID %d (expected within range of [1, %d])", connectorID, n)
	}

	now := time.Now()
	msg := Authorize{
		Time:        now,
		UserID:      s.userID,
		ChargeBoxSN: s.serial,
		Purpose:     purpose,
		Current:     current,
		ConnectorID: connectorID,
	}
	data, err := msg.Encode()
	if err != nil {
		return false, fmt.Sprintf("encoding failed: %v", err)
	}

	uniqueID := UniqueID(now)
	ch := s.registerConfirmation(uniqueID)
	if err := s.send(data); err != nil {
		s.removeConfirmation(uniqueID)
		return false, fmt.Sprintf("send failed: %v", err)
	}
	s.logger.Debug("authorize sent",
		"purpose", purpose,
		"current", current,
		"connector", connectorID,
		"unique_id", uniqueID)

	result, err := s.awaitConfirmation(ctx, uniqueID, ch)
	switch {
	case errors.Is(err, ErrConfirmationTimeout):
		s.logger.Warn("authorize not confirmed in time",
			"unique_id", uniqueID,
			"timeout", s.timing.ConfirmationTimeout)
		return false, "response timed out"
	case err != nil:
		return false, fmt.Sprintf("wait aborted: %v", err)
	}
	return result, "response received"
}

// StartCharging commands the connector to charge at the given current
// and retries until the measured current converges on it. Returns true
// once the measured current is within tolerance of the request.
func (s *Session) StartCharging(ctx context.Context, current int, connectorID int) bool {
	conn, err := s.state.Connector(connectorID)
	if err != nil {
		s.logger.Error("start charging refused", "error", err)
		return false
	}
	return s.converge(ctx, conn,
		func() (bool, string) {
			return s.SendAuthorize(ctx, current, PurposeStart, connectorID)
		},
		func() bool {
			measured, ok := conn.Current.Float()
			return ok && math.Abs(measured-float64(current)) <= s.timing.CurrentTolerance
		},
		fmt.Sprintf("start charging at %d A", current),
	)
}

// StopCharging commands the connector to stop and retries until the
// charger reports the session finished. The Authorize current falls
// back to the connector's minimal current, matching what the firmware
// expects on a stop.
func (s *Session) StopCharging(ctx context.Context, connectorID int) bool {
	conn, err := s.state.Connector(connectorID)
	if err != nil {
		s.logger.Error("stop charging refused", "error", err)
		return false
	}
	current, _ := conn.MiniCurrent.Int()
	return s.converge(ctx, conn,
		func() (bool, string) {
			return s.SendAuthorize(ctx, current, PurposeStop, connectorID)
		},
		func() bool {
			status, _ := conn.ChargeStatus.Value().(string)
			return status == ChargeStatusFinish
		},
		"stop charging",
	)
}

// converge runs the shared command skeleton: wait for the connector's
// current reading to initialize, then send-and-check up to MaxRetries
// times, spacing attempts by RetryInterval. The charger acks commands
// it then ignores, so the observed state is the only truth worth
// trusting.
func (s *Session) converge(ctx context.Context, conn *Connector, send func() (bool, string), converged func() bool, what string) bool {
	if !s.waitForCurrent(ctx, conn) {
		s.logger.Error("giving up on command, charger state not initialized",
			"command", what,
			"connector", conn.ID())
		return false
	}

	for attempt := 1; attempt <= s.timing.MaxRetries; attempt++ {
		s.logger.Debug("sending charging command",
			"command", what,
			"connector", conn.ID(),
			"attempt", fmt.Sprintf("%d/%d", attempt, s.timing.MaxRetries))
		result, reason := send()
		s.logger.Debug("charging command answered",
			"command", what,
			"result", result,
			"reason", reason)

		if converged() {
			s.logger.Info("charging command converged",
				"command", what,
				"connector", conn.ID(),
				"attempt", attempt)
			return true
		}
		s.logger.Debug("charger state does not match desired",
			"command", what,
			"state", "\n"+s.state.String())

		if attempt == s.timing.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.timing.RetryInterval):
		}
	}
	s.logger.Warn("charging command did not converge",
		"command", what,
		"connector", conn.ID(),
		"attempts", s.timing.MaxRetries)
	return false
}

// waitForCurrent polls until the connector reports a current reading,
// giving up after InitWaitRetries polls.
func (s *Session) waitForCurrent(ctx context.Context, conn *Connector) bool {
	for i := 0; !conn.Current.Initialized(); i++ {
		if i >= s.timing.InitWaitRetries {
			return false
		}
		s.logger.Debug("waiting for charger state initialization",
			"connector", conn.ID(),
			"attempt", fmt.Sprintf("%d/%d", i+1, s.timing.InitWaitRetries))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.timing.InitWaitInterval):
		}
	}
	return true
}
