package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/events"
	"github.com/snarg/avatar-engine/internal/mqttclient"
	"github.com/snarg/avatar-engine/internal/relay"
	"github.com/snarg/avatar-engine/internal/store"
)

// liveStats feeds the scrape-time collector.
type liveStats struct {
	state *store.State
	bus   *events.Bus
}

func (s liveStats) HistoryLength() int      { return s.state.HistoryLength() }
func (s liveStats) Playing() bool           { return s.state.Playing() }
func (s liveStats) SSESubscriberCount() int { return s.bus.SubscriberCount() }

// commandHandler maps MQTT commands onto the relay. "say" runs a full turn
// with the payload as user text.
func commandHandler(ctx context.Context, rel *relay.Relay, log zerolog.Logger) mqttclient.CommandHandler {
	return func(cmd string, payload []byte) {
		switch cmd {
		case "say":
			text := strings.TrimSpace(string(payload))
			// paho runs handlers on its router goroutine; don't block it on upstream calls
			go func() {
				if _, err := rel.Respond(ctx, text); err != nil {
					log.Warn().Err(err).Msg("mqtt say command failed")
				}
			}()
		case "stop":
			rel.Stop()
		case "clear":
			if err := rel.ClearHistory(ctx); err != nil {
				log.Warn().Err(err).Msg("mqtt clear command failed")
			}
		default:
			log.Debug().Str("cmd", cmd).Msg("unknown mqtt command")
		}
	}
}
