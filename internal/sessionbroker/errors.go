package sessionbroker

import "errors"

var (
	ErrBrokerClosed   = errors.New("sessionbroker: broker is closed")
	ErrMaxConnections = errors.New("sessionbroker: max connections per identity exceeded")
	ErrRateLimited    = errors.New("sessionbroker: connection rate limited")
	ErrAuthFailed     = errors.New("sessionbroker: authentication failed")
	ErrNotSameUser    = errors.New("sessionbroker: peer runs as a different user")
	ErrUnknownStream  = errors.New("sessionbroker: unknown stream")
	ErrEngineRefused  = errors.New("sessionbroker: engine refused the request")
	ErrSessionClosed  = errors.New("sessionbroker: session closed")
)
