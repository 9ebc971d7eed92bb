package runspace

import (
	"context"

	"github.com/oakhollow/psrp/wsman"
)

// Transport is the subset of wsman.Client a Pool drives. Defined as an
// interface so tests can substitute a fake shell endpoint.
type Transport interface {
	Create(ctx context.Context, options map[string]string, creationXML string) (*wsman.EndpointReference, error)
	Command(ctx context.Context, epr *wsman.EndpointReference, commandID, arguments string) (string, error)
	Send(ctx context.Context, epr *wsman.EndpointReference, commandID, stream string, data []byte) error
	Receive(ctx context.Context, epr *wsman.EndpointReference, commandID string) (*wsman.ReceiveResult, error)
	Signal(ctx context.Context, epr *wsman.EndpointReference, commandID, code string) error
	Delete(ctx context.Context, epr *wsman.EndpointReference) error
	Disconnect(ctx context.Context, epr *wsman.EndpointReference) error
	Reconnect(ctx context.Context, shellID string) error
	Connect(ctx context.Context, shellID string, connectXML string) ([]byte, error)
}

var _ Transport = (*wsman.Client)(nil)
