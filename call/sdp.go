package call

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

// Session-description hardening.
//
// Every local description is rewritten before transmission: constant
// bitrate is forced on the opus format-parameter line, and any header
// extension advertising per-packet audio level is stripped (RFC 6464
// leaks speech activity in plaintext). The rewrite is a pure text
// transform and is idempotent.

// audioLevelExtensionURI is the RFC 6464 header-extension URI.
const audioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// opusFmtpPattern matches the format-parameter line for the opus payload
// type used by the media stack.
var opusFmtpPattern = regexp.MustCompile(`(?i)^a=fmtp:111\s`)

// HardenSDP applies both hardening rules to raw session-description text.
// Applying it twice yields the same output as applying it once.
func HardenSDP(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		body := strings.TrimSuffix(line, "\r")
		if strings.Contains(body, audioLevelExtensionURI) {
			continue
		}
		if opusFmtpPattern.MatchString(body) && !strings.Contains(body, "cbr=") {
			body += ";cbr=1"
			if strings.HasSuffix(line, "\r") {
				line = body + "\r"
			} else {
				line = body
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// HardenSessionDescription returns a hardened copy of desc.
func HardenSessionDescription(desc SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type, SDP: HardenSDP(desc.SDP)}
}

// ValidateSessionDescription rejects descriptions the negotiation cannot
// use: wrong type tags, unparseable SDP, or SDP with no media sections.
func ValidateSessionDescription(desc SessionDescription) error {
	if desc.Type != "offer" && desc.Type != "answer" {
		return fmt.Errorf("unexpected session description type %q", desc.Type)
	}
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("malformed session description: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errors.New("session description has no media sections")
	}
	return nil
}
