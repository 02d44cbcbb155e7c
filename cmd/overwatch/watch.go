package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/crdt"
	"sentinel-overwatch/pkg/session"
	"sentinel-overwatch/pkg/telemetry"
	"sentinel-overwatch/pkg/transport"
)

type watchEvent struct {
	At    time.Time `json:"at"`
	Event string    `json:"event"`
	Data  any       `json:"data"`
}

func watchCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live picture of a room until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runWatch(ctx, a, staleAfter)
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale", 2*time.Minute, "report entities silent for longer than this; 0 disables")
	return cmd
}

func runWatch(ctx context.Context, a *app, staleAfter time.Duration) error {
	// hooks and the stale reporter run on different goroutines
	var mu sync.Mutex
	emit := func(event string, data any, line string) {
		mu.Lock()
		defer mu.Unlock()
		if structured() {
			_ = printStructured(watchEvent{At: time.Now().UTC(), Event: event, Data: data})
			return
		}
		fmt.Printf("%s  %-10s %s\n", time.Now().Format("15:04:05"), event, line)
	}

	hooks := session.Hooks{
		OnStatus: func(st transport.Status) {
			emit("status", st.String(), st.String())
		},
		OnEntity: func(c telemetry.Change) {
			verb := "moved"
			if c.Added {
				verb = "appeared"
			}
			name := c.Entity.DisplayName
			if name == "" {
				name = c.Entity.EntityID
			}
			emit("entity", c.Entity, fmt.Sprintf("%s %s at %s", name, verb, coords(c.Entity.Position.Coordinates())))
		},
		OnAlert: func(al session.Alert) {
			line := al.Kind + ": " + al.Message
			if al.Operator != "" {
				line = fmt.Sprintf("%s: %s (%s)", al.Kind, al.Operator, al.Severity)
			}
			emit("alert", al, line)
		},
		OnAnnotation: func(c crdt.Change) {
			verb := "updated"
			switch {
			case c.Removed:
				verb = "removed"
			case c.Local:
				verb = "edited locally"
			}
			emit("annotation", c, fmt.Sprintf("%s/%s %s", c.Collection, c.Key, verb))
		},
	}

	s, err := newSession(a, hooks)
	if err != nil {
		return err
	}
	if staleAfter > 0 {
		go reportStale(ctx, s, staleAfter, emit)
	}
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func reportStale(ctx context.Context, s *session.Session, after time.Duration, emit func(string, any, string)) {
	ticker := time.NewTicker(after)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stale, err := s.StaleEntities(ctx, after)
		if err != nil {
			return
		}
		if len(stale) == 0 {
			continue
		}
		ids := make([]string, 0, len(stale))
		for _, e := range stale {
			ids = append(ids, e.EntityID)
		}
		emit("stale", stale, fmt.Sprintf("silent for over %s: %s", after, strings.Join(ids, ", ")))
	}
}
