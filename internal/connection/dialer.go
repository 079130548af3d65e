package connection

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/verbs"
)

// Dial connects to a responder at addr. The local receive buffer is
// advertised in the connect request and the responder's buffer is recorded
// from the ESTABLISHED event. The returned connection owns its event
// channel and has no work request outstanding.
func Dial(ctx context.Context, dev *verbs.Device, addr string, opts Options) (*Connection, error) {
	opts = opts.withDefaults()

	events := verbs.CreateEventChannel()
	id, err := events.CreateID(dev)
	if err != nil {
		_ = events.Destroy()
		return nil, NewError(KindConnectionManager, "create_id", err)
	}
	if opts.TOS >= 0 {
		if err := id.SetTOS(uint8(opts.TOS)); err != nil {
			_ = id.Destroy()
			_ = events.Destroy()
			return nil, NewError(KindConnectionManager, "set_tos", err)
		}
	}

	conn, err := newConnection(id, opts, RoleInitiator)
	if err != nil {
		_ = id.Destroy()
		_ = events.Destroy()
		return nil, err
	}
	conn.events = events

	if err := conn.registerBuffers(); err != nil {
		_ = conn.Teardown()
		return nil, err
	}

	err = id.Connect(ctx, addr, verbs.ConnParam{
		PrivateData:        conn.local.Encode(),
		InitiatorDepth:     opts.InitiatorDepth,
		ResponderResources: opts.ResponderResources,
		RetryCount:         opts.RetryCount,
	})
	if err != nil {
		_ = conn.Teardown()
		return nil, conn.errorf(KindConnectionManager, "connect", err)
	}

	ev, err := events.GetEvent(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, conn.errorf(KindConnectionManager, "get_cm_event", err)
	}
	ev.Ack()

	switch ev.Type {
	case verbs.EventEstablished:
	case verbs.EventRejected:
		_ = conn.Teardown()
		return nil, conn.errorf(KindConnectionManager, "connect", fmt.Errorf("%s: %w", addr, ErrRejected))
	case verbs.EventConnectError:
		_ = conn.Teardown()
		return nil, conn.errorf(KindConnectionManager, "connect", ev.Err)
	default:
		_ = conn.Close()
		return nil, conn.errorf(KindConnectionManager, "connect", fmt.Errorf("unexpected event %s", ev.Type))
	}

	if err := conn.setPeer(ev.PrivateData); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().
		Str("conn_id", conn.ID()).
		Str("addr", addr).
		Str("local_buffer", conn.local.String()).
		Str("peer_buffer", conn.peer.String()).
		Msg("Connection established")
	return conn, nil
}
