package errors

import (
	"errors"
	"net/http"
)

// Coarse error categories surfaced to HTTP callers. Transport details never
// reach browsers; handlers map these onto 503/504/502.
var (
	// ErrUnavailable means no usable gateway connection for the tenant.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrTimeout means the gateway did not answer in time.
	ErrTimeout = errors.New("gateway timeout")
	// ErrConnectionClosed rejects requests pending when the socket dropped.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHandshakeTimeout means the gateway never completed the handshake.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrTenantUnknown means the tenant directory has no entry.
	ErrTenantUnknown = errors.New("unknown tenant")
	// ErrClientClosed rejects use of an explicitly closed client.
	ErrClientClosed = errors.New("client closed")
)

// HTTPStatus maps an error to the status code exposed on the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTenantUnknown), errors.Is(err, ErrClientClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
