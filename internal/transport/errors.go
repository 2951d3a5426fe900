package transport

import "errors"

var (
	// ErrMediaAcquisition means a capture device was denied or unavailable.
	// It is fatal to the connect attempt and is not retried.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrNegotiationTimeout means the room join or the first remote media
	// did not complete within the negotiation timeout, or the remote side
	// refused the session. Connect may be retried.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrConnectAborted is returned by a Connect that Disconnect cancelled.
	ErrConnectAborted = errors.New("connect aborted")
	// ErrConnectInProgress is returned when Connect is called concurrently.
	ErrConnectInProgress = errors.New("connect already in progress")
)
