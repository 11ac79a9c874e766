package server

import (
	"errors"

	"github.com/kstaniek/go-mcpfd/internal/metrics"
)

// Failures are wrapped with one of these so callers can test them with
// errors.Is and the metrics layer can label them.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrSubmit    = errors.New("submit")
	ErrContext   = errors.New("context_cancelled")
)

var errLabels = []struct {
	err   error
	label string
}{
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrHandshake, metrics.ErrHandshake},
	{ErrSubmit, metrics.ErrSubmit},
	{ErrAccept, metrics.ErrTCPAccept},
	{ErrListen, metrics.ErrTCPAccept},
	{ErrContext, "context"},
}

// mapErrToMetric returns the error counter label for err.
func mapErrToMetric(err error) string {
	for _, l := range errLabels {
		if errors.Is(err, l.err) {
			return l.label
		}
	}
	return "other"
}
