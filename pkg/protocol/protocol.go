// Package protocol defines the control-plane protocol version and the
// negotiation rules applied to the Brokk-CTL-Version request header.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// Version is the server build version reported on health endpoints.
const Version = "0.3.0"

// VersionHeader carries the client's protocol version; responses echo the
// server's protocol version under the same header name.
const VersionHeader = "Brokk-CTL-Version"

// Current protocol version spoken by this build.
const (
	Major = 1
	Minor = 2
)

// String returns the protocol version as "major.minor".
func String() string {
	return fmt.Sprintf("%d.%d", Major, Minor)
}

// Capabilities lists the features this build advertises during negotiation.
// The entries are the closed event-type set plus job-surface capabilities.
func Capabilities() []string {
	caps := make([]string, 0, 8)
	for _, t := range v1.EventTypes() {
		caps = append(caps, string(t))
	}
	return append(caps, "JOB_IDEMPOTENCY", "EVENT_RESUME")
}

// NegotiationError describes a protocol-version mismatch. Both kinds map to
// HTTP 409 with the capability list in the body.
type NegotiationError struct {
	Code    v1.ErrorCode
	Message string
}

func (e *NegotiationError) Error() string { return e.Message }

// Negotiate checks a client version string against the server's protocol
// version. An empty header means the client predates negotiation and is
// accepted. Same major with a newer minor fails with
// PROTOCOL_UNSUPPORTED_FEATURE; a different major fails with
// PROTOCOL_INCOMPATIBLE.
func Negotiate(clientVersion string) *NegotiationError {
	clientVersion = strings.TrimSpace(clientVersion)
	if clientVersion == "" {
		return nil
	}

	major, minor, err := parse(clientVersion)
	if err != nil {
		return &NegotiationError{
			Code:    v1.ErrProtocolIncompatible,
			Message: fmt.Sprintf("unparseable protocol version %q", clientVersion),
		}
	}

	if major != Major {
		return &NegotiationError{
			Code:    v1.ErrProtocolIncompatible,
			Message: fmt.Sprintf("client protocol %d.%d is incompatible with server %s", major, minor, String()),
		}
	}
	if minor > Minor {
		return &NegotiationError{
			Code:    v1.ErrProtocolUnsupported,
			Message: fmt.Sprintf("client protocol %d.%d requests features beyond server %s", major, minor, String()),
		}
	}
	return nil
}

func parse(s string) (major, minor int, err error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("expected major.minor, got %q", s)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}
