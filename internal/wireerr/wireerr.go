// Package wireerr defines the small sentinel-error taxonomy shared across
// sqlguard's protocol-facing packages: malformed framing is session-fatal,
// invalid SQL forces a policy Block but the session survives, and an
// unsupported command gets a synthesized ERR reply without closing the
// connection.
package wireerr

import "errors"

var (
	// ErrMalformedPacket marks a protocol framing violation on either the
	// client or server side of a session. The session must close.
	ErrMalformedPacket = errors.New("malformed protocol packet")

	// ErrInvalidSQL marks a SQL string the classifier refused to classify
	// (currently: a ';' outside string literals and comments, i.e. a
	// multi-statement batch). The session survives;
	// the policy engine's evaluate-error path always blocks.
	ErrInvalidSQL = errors.New("invalid or unclassifiable sql")

	// ErrUnsupportedCommand marks a command the proxy rejects by policy
	// rather than protocol violation (the prepared-statement family). The
	// session survives.
	ErrUnsupportedCommand = errors.New("command not supported by proxy policy enforcement")
)
