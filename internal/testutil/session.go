// Package testutil provides fakes shared by the controller's tests: a
// recording switch session and an instant sleeper.
package testutil

import (
	"bytes"
	"io"
	"sync"

	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
)

// SentMessage is one message captured by the fake session, decoded at
// send time so tests never fight over a half-consumed body reader.
type SentMessage struct {
	Type    of.Type
	FlowMod ofp.FlowMod // populated for TypeFlowMod messages
	Raw     []byte
}

// Session records every message sent to it. It stands in for a
// connected switch.
type Session struct {
	mu      sync.Mutex
	sent    []SentMessage
	sendErr error
}

// NewSession creates an empty recording session.
func NewSession() *Session {
	return &Session{}
}

// FailWith makes subsequent sends return err.
func (s *Session) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send implements registry.Session.
func (s *Session) Send(req *of.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}

	msg := SentMessage{Type: req.Header.Type}
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		msg.Raw = raw
		if req.Header.Type == of.TypeFlowMod {
			if _, err := msg.FlowMod.ReadFrom(bytes.NewReader(raw)); err != nil {
				return err
			}
		}
	}
	s.sent = append(s.sent, msg)
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *Session) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// FlowMods returns only the flow-mod messages, in send order.
func (s *Session) FlowMods() []ofp.FlowMod {
	var out []ofp.FlowMod
	for _, m := range s.Sent() {
		if m.Type == of.TypeFlowMod {
			out = append(out, m.FlowMod)
		}
	}
	return out
}

// Reset drops the recorded messages.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}
