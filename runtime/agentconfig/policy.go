package agentconfig

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
)

// ErrInvalidPhoneNumber is returned for numbers that are not E.164.
var ErrInvalidPhoneNumber = errors.New("phone number must be in E.164 format, e.g. +1234567890")

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// NormalizePhoneNumber strips whitespace and dashes and ensures a leading '+'.
func NormalizePhoneNumber(number string) string {
	n := strings.Join(strings.Fields(number), "")
	n = strings.ReplaceAll(n, "-", "")
	if n != "" && !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return n
}

// ValidateE164 checks that number is already in E.164 form.
func ValidateE164(number string) error {
	if !e164.MatchString(number) {
		return ErrInvalidPhoneNumber
	}
	return nil
}

// NoiseCancellation selects the inbound audio filter for a participant.
type NoiseCancellation string

// Noise cancellation models.
const (
	NoiseCancellationNone      NoiseCancellation = "none"
	NoiseCancellationStandard  NoiseCancellation = "bvc"
	NoiseCancellationTelephony NoiseCancellation = "bvc_telephony"
)

// NoiseCancellationFor picks the telephony model for SIP participants and
// the standard model for everyone else. Disabling krisp turns filtering off.
func (c *AgentConfig) NoiseCancellationFor(kind livekit.ParticipantInfo_Kind) NoiseCancellation {
	if !c.KrispEnabled {
		return NoiseCancellationNone
	}
	if kind == livekit.ParticipantInfo_SIP {
		return NoiseCancellationTelephony
	}
	return NoiseCancellationStandard
}

// GreetingInstructions is passed to reply generation when the agent greets.
const GreetingInstructions = "Greet the user and offer your assistance."

// greetingDelay lets the audio path settle before the first reply.
const greetingDelay = 500 * time.Millisecond

// GreetingPolicy describes whether and how the agent speaks first.
type GreetingPolicy struct {
	Enabled      bool
	Delay        time.Duration
	Instructions string
}

// Greeting returns the policy for this job. Inbound and web sessions are
// greeted after a short delay; outbound calls wait for the callee to speak.
func (c *AgentConfig) Greeting() GreetingPolicy {
	if c.IsOutbound() {
		return GreetingPolicy{}
	}
	return GreetingPolicy{
		Enabled:      true,
		Delay:        greetingDelay,
		Instructions: GreetingInstructions,
	}
}
