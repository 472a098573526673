package broadcast

import (
	"context"
	"errors"
	"net/http"
)

// Sink is a transport that delivers events to one observer.
type Sink interface {
	// Headers returns response headers the transport needs, if any.
	Headers() http.Header
	// Write delivers one event.
	Write(ctx context.Context, ev Event) error
	// End closes the transport.
	End() error
}

// Stream pumps sub's events into sink until ctx is done, the subscription
// ends, or a write fails. It always unsubscribes and ends the sink. A write
// failure means the observer is gone; it is returned but not retried.
func Stream(ctx context.Context, sub *Subscription, sink Sink) error {
	defer func() {
		sub.hub.Unsubscribe(sub)
		_ = sink.End()
	}()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := sink.Write(ctx, ev); err != nil {
				sub.hub.cfg.Logger.Debug("broadcast: sink write failed, ending stream",
					"hub", sub.hub.cfg.Name, "issue_key", sub.key, "error", err)
				return err
			}
		}
	}
}
