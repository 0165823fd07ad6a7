package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelBuffer = 32
	columnUserID  = "user_id"
)

var errForeignChannel = errors.New("client: channel was not opened by this client")

// OpenChannel dials the realtime websocket and subscribes to spec. The channel
// reconnects on its own until closed; after a reconnect it emits an update event with
// no row on the first table so consumers reload what they may have missed.
func (c *Client) OpenChannel(ctx context.Context, spec remote.ChannelSpec) (remote.Channel, error) {
	if len(spec.Tables) == 0 {
		return nil, remote.NewError(remote.CodeInvalid, "channel requires at least one table")
	}
	subscribe := remote.Frame{Type: remote.FrameSubscribe, Tables: append([]string(nil), spec.Tables...)}
	if owner, ok := spec.Filter.Value(columnUserID); ok {
		subscribe.Owner = owner
	}
	conn, err := c.subscribe(ctx, subscribe)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	channel := &wsChannel{
		client:    c,
		subscribe: subscribe,
		events:    make(chan remote.Event, channelBuffer),
		conn:      conn,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go channel.run(runCtx)
	return channel, nil
}

// CloseChannel stops a channel opened by this client and waits for its reader to exit.
func (c *Client) CloseChannel(channel remote.Channel) error {
	typed, ok := channel.(*wsChannel)
	if !ok || typed.client.base.String() != c.base.String() {
		return remote.WrapError(remote.CodeInvalid, errForeignChannel)
	}
	typed.close()
	return nil
}

func (c *Client) realtimeURL(token string) string {
	target := *c.base
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path += remote.PathRealtime
	target.RawQuery = url.Values{remote.AccessTokenParam: []string{token}}.Encode()
	return target.String()
}

// subscribe dials, sends the subscribe frame and waits for the acknowledgement.
func (c *Client) subscribe(ctx context.Context, frame remote.Frame) (*websocket.Conn, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	conn, response, err := c.dialer.DialContext(ctx, c.realtimeURL(token), nil)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, decodeFailure(response)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, remote.WrapError(remote.CodeUnavailable, err)
	}
	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(defaultHandshakeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return nil, remote.WrapError(remote.CodeUnavailable, err)
	}
	conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	for {
		var reply remote.Frame
		if err := conn.ReadJSON(&reply); err != nil {
			return nil, remote.WrapError(remote.CodeUnavailable, err)
		}
		switch reply.Type {
		case remote.FrameSubscribed:
			success = true
			return conn, nil
		case remote.FrameError:
			if reply.Error != nil {
				return nil, remote.NewError(reply.Error.Code, reply.Error.Message)
			}
			return nil, remote.NewError(remote.CodeInternal, "subscription rejected")
		case remote.FrameHeartbeat:
			continue
		default:
			return nil, remote.NewError(remote.CodeInternal, fmt.Sprintf("unexpected frame %q", reply.Type))
		}
	}
}

type wsChannel struct {
	client    *Client
	subscribe remote.Frame
	events    chan remote.Event
	cancel    context.CancelFunc
	done      chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	once sync.Once
}

func (ch *wsChannel) Events() <-chan remote.Event {
	return ch.events
}

func (ch *wsChannel) close() {
	ch.once.Do(func() {
		ch.cancel()
		ch.mu.Lock()
		if ch.conn != nil {
			ch.conn.Close()
		}
		ch.mu.Unlock()
		<-ch.done
	})
}

func (ch *wsChannel) run(ctx context.Context) {
	defer close(ch.done)
	defer close(ch.events)
	logger := ch.client.logger
	backoff := ch.client.reconnectBackoff
	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()

		err := ch.read(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Info("realtime connection lost", zap.Strings("tables", ch.subscribe.Tables), zap.Error(err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := ch.client.subscribe(ctx, ch.subscribe)
			if err == nil {
				ch.mu.Lock()
				if ctx.Err() != nil {
					ch.mu.Unlock()
					next.Close()
					return
				}
				ch.conn = next
				ch.mu.Unlock()
				backoff = ch.client.reconnectBackoff
				logger.Info("realtime connection restored", zap.Strings("tables", ch.subscribe.Tables))
				ch.deliver(ctx, remote.Event{Type: remote.EventUpdate, Table: ch.subscribe.Tables[0]})
				break
			}
			logger.Warn("realtime reconnect failed", zap.Error(err))
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
		}
	}
}

// read forwards event frames until the connection fails or ctx ends.
func (ch *wsChannel) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(ch.client.heartbeatTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame remote.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			ch.client.logger.Warn("ignoring malformed realtime frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case remote.FrameEvent:
			if frame.Event != nil {
				ch.deliver(ctx, *frame.Event)
			}
		case remote.FrameError:
			if frame.Error != nil {
				return frame.Error
			}
			return errors.New("realtime error frame")
		}
	}
}

func (ch *wsChannel) deliver(ctx context.Context, event remote.Event) {
	select {
	case ch.events <- event:
	case <-ctx.Done():
	}
}
