package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/premarket/pkg/premarket"
	"github.com/gorilla/websocket"
)

const (
	offersChannelPrefix = "offers."
	ordersChannelPrefix = "orders."
	wsPageLimit         = 200
)

// A subscriber sends {"type":"subscribe","channel":"offers.evm"} and then gets
// every offer on that chain whose stored row changed after its cursor. The
// cursor starts at the time of subscribing unless "since" is given.
type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Since   *int64 `json:"since,omitempty"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Cursor  int64  `json:"cursor,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// gorilla allows one concurrent writer; the read loop reports errors through writes.
	var writeMu sync.Mutex
	write := func(env websocketEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeWebsocketJSON(conn, env)
	}

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, write, readErrCh)

	interval := s.cfg.WSPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			for channel, cursor := range subs.Snapshot() {
				payload, next, err := s.websocketChanges(ctx, channel, cursor)
				if err != nil {
					s.logger.Warn("websocket channel fetch failed", "channel", channel, "err", err)
					_ = write(websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := write(websocketEnvelope{Type: "event", Channel: channel, Data: payload, Cursor: next, TS: time.Now().Unix()}); err != nil {
					return
				}
				subs.Advance(channel, next)
			}
		}
	}
}

func (s *Service) websocketReadLoop(
	ctx context.Context,
	conn *websocket.Conn,
	subs *subscriptionSet,
	write func(websocketEnvelope) error,
	readErrCh chan<- error,
) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.ToLower(strings.TrimSpace(message.Channel))
		if message.Channel == "" {
			continue
		}

		switch message.Type {
		case "subscribe":
			if _, _, err := parseChannel(message.Channel); err != nil {
				_ = write(websocketEnvelope{Type: "error", Channel: message.Channel, Error: err.Error(), TS: time.Now().Unix()})
				continue
			}
			cursor := time.Now().UnixMilli()
			if message.Since != nil {
				cursor = *message.Since
			}
			// ack first so no event for the channel can precede it
			_ = write(websocketEnvelope{Type: "subscribed", Channel: message.Channel, Cursor: cursor, TS: time.Now().Unix()})
			subs.Add(message.Channel, cursor)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

// websocketChanges returns the records changed after cursor and the new
// cursor, or a nil payload when nothing changed.
func (s *Service) websocketChanges(ctx context.Context, channel string, cursor int64) (any, int64, error) {
	prefix, chain, err := parseChannel(channel)
	if err != nil {
		return nil, cursor, err
	}

	switch prefix {
	case offersChannelPrefix:
		items, err := s.store.OfferChangesSince(ctx, chain, cursor, wsPageLimit)
		if err != nil || len(items) == 0 {
			return nil, cursor, err
		}
		return items, items[len(items)-1].UpdatedAt, nil
	default:
		items, err := s.store.OrderChangesSince(ctx, chain, cursor, wsPageLimit)
		if err != nil || len(items) == 0 {
			return nil, cursor, err
		}
		return items, items[len(items)-1].UpdatedAt, nil
	}
}

func parseChannel(channel string) (string, premarket.Chain, error) {
	for _, prefix := range []string{offersChannelPrefix, ordersChannelPrefix} {
		if rest, ok := strings.CutPrefix(channel, prefix); ok {
			chain := premarket.Chain(rest)
			if !chain.Valid() {
				return "", "", fmt.Errorf("unknown chain %q in channel %q", rest, channel)
			}
			return prefix, chain, nil
		}
	}
	return "", "", fmt.Errorf("unknown channel %q (expected offers.<chain> or orders.<chain>)", channel)
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

// subscriptionSet maps channel to the updated_at cursor last delivered.
type subscriptionSet struct {
	mu    sync.Mutex
	items map[string]int64
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]int64{}}
}

func (s *subscriptionSet) Add(channel string, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = cursor
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

// Advance moves the cursor forward only if the channel is still subscribed.
func (s *subscriptionSet) Advance(channel string, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.items[channel]; ok && cursor > current {
		s.items[channel] = cursor
	}
}

func (s *subscriptionSet) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.items))
	for channel, cursor := range s.items {
		out[channel] = cursor
	}
	return out
}
