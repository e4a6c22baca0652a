package relay

import "github.com/pkg/errors"

// ErrRelayConnectFailure wraps every failed relay attempt: dial, handshake, connect, publish or
// play refused, or a connection lost while relaying.
var ErrRelayConnectFailure = errors.New("relay connect failure")
