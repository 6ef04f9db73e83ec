package reach

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg    = errors.New("reach: invalid options")
	ErrManagerClosed = errors.New("reach: manager is shut down")

	ErrFlowClosed    = errors.New("flow: closed")
	ErrPayloadLost   = errors.New("flow: payload lost")
	ErrIdentityInUse = errors.New("flow: connection identity already registered")

	ErrPortsExhausted = errors.New("ports: ephemeral range exhausted")
	ErrPortBind       = errors.New("ports: could not bind allocated port")

	ErrListenerExists  = errors.New("transport: port already has a listener")
	ErrDatagramListen  = errors.New("transport: could not bind datagram listener")
	ErrDatagramWrite   = errors.New("transport: error sending datagram")
	ErrStreamTransport = errors.New("transport: stream transport failure")
	ErrFrameSize       = errors.New("transport: oversized frame")
	ErrInvalidAddr     = errors.New("transport: the peer address is invalid")
)

var (
	QErrStreamClosed = quic.StreamErrorCode(0x1)
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x1,
		Prefix: "shutdown",
	}
	QErrBadIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "bad identity",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// streamErr normalizes a failure of the reliable transport so no
// quic-go error type leaks past the adapter boundary.
func streamErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrStreamTransport, op, err)
}
