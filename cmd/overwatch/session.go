package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/session"
	"sentinel-overwatch/pkg/transport"
)

// newSession builds a session for the configured room. It is not
// started; overlay and mission commands use it without a live channel.
func newSession(a *app, hooks session.Hooks) (*session.Session, error) {
	dial := func(sink transport.Sink) (session.Transport, error) {
		c, err := transport.NewClient(transport.Options{
			URL:        a.cfg.RelayURL,
			Room:       a.cfg.Room,
			Token:      a.token(),
			MaxBackoff: a.cfg.MaxBackoff,
		}, sink, a.log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return session.New(session.Config{Room: a.cfg.Room, Hooks: hooks}, dial, a.record, a.store, a.log)
}

// withRoom runs a session until it has merged the relay's copy of the
// room, hands it to fn, then stops once fn's edits are on the wire.
func withRoom(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, s *session.Session) error) error {
	return withApp(func(a *app) error {
		ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
		defer cancel()

		synced := make(chan struct{}, 1)
		s, err := newSession(a, session.Hooks{OnSynced: func() {
			select {
			case synced <- struct{}{}:
			default:
			}
		}})
		if err != nil {
			return err
		}

		runCtx, stop := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			_ = s.Run(runCtx)
			close(stopped)
		}()
		defer func() {
			stop()
			<-stopped
		}()

		select {
		case <-synced:
		case <-ctx.Done():
			return fmt.Errorf("room %q not synced from %s: %w", a.cfg.Room, a.cfg.RelayURL, ctx.Err())
		}
		if err := fn(ctx, s); err != nil {
			return err
		}
		return s.Flush(ctx)
	})
}
