// Command client is a headless fireworks player: it joins a room, launches fireworks on a
// fixed cadence and logs what the rest of the room is doing.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/fireworks-backend/internal/logging"
	"github.com/DoyleJ11/fireworks-backend/pkg/client"
	"github.com/DoyleJ11/fireworks-backend/pkg/coordinator"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"go.uber.org/zap"
)

const fireworkTypes = 5

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "server websocket URL")
		nickname  = flag.String("nickname", "", "display name (server picks one if empty)")
		roomType  = flag.String("room", "public", "room type (public, private)")
		code      = flag.String("code", "", "four digit private room code")
		interval  = flag.Duration("interval", 750*time.Millisecond, "time between fireworks")
		logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logFormat = flag.String("log-format", "console", "log format (console, json)")
	)
	flag.Parse()

	log, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.DefaultOptions(*url)
	opts.Logger = log.Named("sync")
	s := client.New(opts)
	defer s.Close()

	co := coordinator.New(s, coordinator.Options{Logger: log.Named("coordinator")})
	defer co.Close()

	connected := make(chan struct{}, 1)
	failed := make(chan struct{}, 1)
	s.OnStateChange(func(ch client.StateChange) {
		log.Debug("state", zap.Stringer("from", ch.From), zap.Stringer("to", ch.To))
		switch ch.To {
		case client.Connected:
			signalOnce(connected)
		case client.Failed:
			signalOnce(failed)
		case client.Disconnected:
			// First connect attempts are not retried.
			if ch.From == client.Connecting && !ch.Voluntary {
				signalOnce(failed)
			}
		}
	})

	co.OnError(func(e coordinator.Error) {
		fields := []zap.Field{zap.String("code", string(e.Code)), zap.Bool("canRetry", e.CanRetry)}
		if e.Suggestion != "" {
			fields = append(fields, zap.String("suggestion", e.Suggestion))
		}
		if e.Severity == coordinator.Info {
			log.Info(e.Message, fields...)
			return
		}
		log.Warn(e.Message, fields...)
	})
	co.OnShowLatencyWarning(func(rtt time.Duration) { log.Warn("high latency", zap.Duration("rtt", rtt)) })
	co.OnHideLatencyWarning(func(rtt time.Duration) { log.Info("latency recovered", zap.Duration("rtt", rtt)) })
	co.OnNetworkUnstable(func(n int) { log.Warn("network unstable", zap.Int("recentDisconnects", n)) })
	co.OnDegradationChanged(func(on bool) { log.Info("degraded mode", zap.Bool("enabled", on)) })

	s.OnMessage(types.EvtPlayerJoined, func(env types.Envelope) {
		var p types.PlayerJoined
		if env.Unmarshal(&p) == nil {
			log.Info("player joined", zap.String("nickname", p.Player.Nickname))
		}
	})
	s.OnMessage(types.EvtPlayerLeft, func(env types.Envelope) {
		var p types.PlayerLeft
		if env.Unmarshal(&p) == nil {
			log.Info("player left", zap.String("nickname", p.Nickname))
		}
	})
	s.OnMessage(types.EvtFireworkBroadcast, func(env types.Envelope) {
		var f types.FireworkBroadcast
		if env.Unmarshal(&f) == nil {
			log.Debug("firework", zap.String("by", f.PlayerNickname), zap.Float64("x", f.X), zap.Float64("y", f.Y))
		}
	})
	s.OnMessage(types.EvtChatBroadcast, func(env types.Envelope) {
		var c types.ChatBroadcast
		if env.Unmarshal(&c) == nil {
			log.Info("chat", zap.String("from", c.PlayerNickname), zap.String("message", c.Message))
		}
	})

	if err := s.Connect(); err != nil {
		return err
	}

	select {
	case <-connected:
	case <-failed:
		return fmt.Errorf("could not connect to %s", *url)
	case <-ctx.Done():
		return nil
	}

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	info, err := s.JoinRoom(joinCtx, *nickname, types.RoomType(*roomType), *code)
	cancel()
	if err != nil {
		return err
	}
	log.Info("joined room",
		zap.String("room", info.ID),
		zap.String("code", info.Code),
		zap.Int("players", len(info.Players)),
	)

	timer := time.NewTimer(co.UpdateInterval(*interval))
	defer timer.Stop()
	launched := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("leaving", zap.Int("launched", launched))
			_ = s.LeaveRoom()
			return s.Disconnect()

		case <-failed:
			// Keep playing offline rather than exiting.
			log.Warn("server unreachable, continuing in single player mode")
			if err := co.SwitchToSinglePlayerMode(); err != nil {
				return err
			}

		case <-timer.C:
			x, y := rand.Float64(), rand.Float64()
			launched++
			if co.Status().SinglePlayer {
				log.Debug("local firework", zap.Float64("x", x), zap.Float64("y", y))
			} else if err := s.SendFireworkAction(x, y, rand.IntN(fireworkTypes)); err != nil {
				return err
			}
			timer.Reset(co.UpdateInterval(*interval))
		}
	}
}

func signalOnce(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
