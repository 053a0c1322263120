package main

import (
	"context"

	"github.com/salahayoub/restfleet/pkg/conn"
	"github.com/salahayoub/restfleet/pkg/wire"
)

// echoHandler answers pings and echoes request bodies. It is the built-in
// application until a real one is plugged into the fleet.
func echoHandler(ctx context.Context, c *conn.Connection, batch []*wire.Frame) error {
	for _, f := range batch {
		var err error
		switch f.Method() {
		case wire.MethodPing:
			err = c.Reply(wire.MethodPong, nil)
		case wire.MethodRequest:
			err = c.Reply(wire.MethodResponse, f.Body)
		default:
			err = c.Reply(wire.MethodError, []byte("unsupported method"))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
