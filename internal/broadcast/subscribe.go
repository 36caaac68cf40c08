package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Subscribe connects to a Hub at url and calls handle for every event until
// ctx is done. Dropped connections are re-dialed with exponential backoff.
func Subscribe(ctx context.Context, url string, handle func(Event), log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	for {
		err := subscribeOnce(ctx, url, handle, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		log.Warn("broadcast subscription dropped", "url", url, "error", err, "retry_in", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func subscribeOnce(ctx context.Context, url string, handle func(Event), b *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	b.Reset()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return err
		}
		handle(ev)
	}
}
