package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/fireworks-backend/internal/hub"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int
	MessageRate    float64 // per connection, per second
	MessageBurst   int
	OriginPatterns []string // empty = same origin only
	Logger         *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 3 * time.Second,
		OutboxSize:   64,
		MessageRate:  20,
		MessageBurst: 40,
	}
}

// fill replaces zero or negative settings with their defaults.
func (o *Options) fill() {
	def := DefaultOptions()
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.MessageRate <= 0 {
		o.MessageRate = def.MessageRate
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = def.MessageBurst
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Handler upgrades the request, registers the connection with the hub and pumps frames both
// ways until either side goes away.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts.fill()
	log := opts.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		connID := uuid.NewString()
		out := make(chan []byte, opts.OutboxSize)
		if err := h.Post(r.Context(), hub.Connect{ConnID: connID, Outbox: out}); err != nil {
			conn.Close(websocket.StatusTryAgainLater, "server shutting down")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = h.Post(ctx, hub.Disconnect{ConnID: connID})
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for frame := range out {
				ctx, cancel := context.WithTimeout(writeCtx, opts.WriteTimeout)
				err := conn.Write(ctx, websocket.MessageText, frame)
				cancel()
				if err != nil {
					log.Debug("websocket write", zap.String("conn", connID), zap.Error(err))
					conn.CloseNow()
					return
				}
			}
			// The hub closed the outbox: we were dropped or it is shutting down.
			conn.Close(websocket.StatusGoingAway, "bye")
		}()

		limiter := rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst)

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), opts.ReadTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if !errors.Is(err, context.Canceled) {
						log.Debug("websocket read", zap.String("conn", connID), zap.Error(err))
					}
				}
				return
			}

			env, err := types.Decode(data)
			if err != nil {
				log.Debug("bad frame", zap.String("conn", connID), zap.Error(err))
				continue
			}
			if env.Type != types.EvtPing && !limiter.Allow() {
				log.Debug("rate limited", zap.String("conn", connID), zap.String("event", env.Type))
				continue
			}

			if err := h.Post(r.Context(), hub.FromClient{ConnID: connID, Env: env}); err != nil {
				return
			}
		}
	}
}
