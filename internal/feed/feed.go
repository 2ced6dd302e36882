// Package feed streams trade prices from the Binance futures websocket and
// hands each one to a callback.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"futures-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
)

// Watcher delivers prices for symbol until the returned stop func is called.
type Watcher interface {
	Watch(symbol string, onPrice func(float64)) (stop func(), err error)
}

// WSFeed subscribes to <base>/ws/<symbol>@aggTrade and reconnects on any
// read failure after ReconnectDelay.
type WSFeed struct {
	baseURL        string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger
}

// NewWSFeed builds a feed from config; zero values fall back to defaults.
func NewWSFeed(cfg models.FeedConfig, logger *zap.Logger) *WSFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.WSBaseURL, "/")
	if base == "" {
		base = "wss://fstream.binance.com"
	}
	delay := time.Duration(cfg.ReconnectDelaySec) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &WSFeed{
		baseURL:        base,
		reconnectDelay: delay,
		dialer:         websocket.DefaultDialer,
		logger:         logger.Named("feed"),
	}
}

// StreamURL returns the aggTrade stream for a BASE/QUOTE symbol.
func StreamURL(base, symbol string) string {
	stream := strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
	return fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(base, "/"), stream)
}

// ParseTrade extracts the price ("p") from an aggTrade message.
func ParseTrade(message []byte) (float64, error) {
	var trade struct {
		Price json.Number `json:"p"`
	}
	if err := json.Unmarshal(message, &trade); err != nil {
		return 0, fmt.Errorf("decode trade: %w", err)
	}
	if trade.Price == "" {
		return 0, errors.New("trade message has no price")
	}
	price, err := trade.Price.Float64()
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", trade.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v", price)
	}
	return price, nil
}

type subscription struct {
	feed    *WSFeed
	url     string
	onPrice func(float64)

	stopC chan struct{}
	doneC chan struct{}
	once  sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// Watch starts the stream in the background. Connection failures are
// retried until stop is called.
func (f *WSFeed) Watch(symbol string, onPrice func(float64)) (func(), error) {
	if symbol == "" {
		return nil, errors.New("feed: empty symbol")
	}
	if onPrice == nil {
		return nil, errors.New("feed: nil callback")
	}
	s := &subscription{
		feed:    f,
		url:     StreamURL(f.baseURL, symbol),
		onPrice: onPrice,
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	go s.loop()
	return s.stop, nil
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.stopC)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.doneC
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

func (s *subscription) wait() bool {
	select {
	case <-s.stopC:
		return false
	case <-time.After(s.feed.reconnectDelay):
		return true
	}
}

// loop keeps the connection alive and reconnects after failures.
func (s *subscription) loop() {
	defer close(s.doneC)
	log := s.feed.logger.With(zap.String("url", s.url))

	for !s.stopped() {
		conn, _, err := s.feed.dialer.Dial(s.url, nil)
		if err != nil {
			log.Warn("websocket dial failed, retrying", zap.Duration("delay", s.feed.reconnectDelay), zap.Error(err))
			if !s.wait() {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.stopped() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		log.Info("websocket connected")
		err = s.read(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		if s.stopped() {
			log.Info("websocket feed stopped")
			return
		}
		log.Warn("websocket disconnected, reconnecting", zap.Error(err))
		if !s.wait() {
			return
		}
	}
}

// read blocks until the connection breaks, answering with pings to keep it open.
func (s *subscription) read(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				s.mu.Unlock()
				if err != nil {
					return
				}
			case <-pingStop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		price, err := ParseTrade(message)
		if err != nil {
			s.feed.logger.Debug("skipping message", zap.Error(err))
			continue
		}
		s.onPrice(price)
	}
}

// observed calls observe with each price before forwarding it.
type observed struct {
	inner   Watcher
	observe func(symbol string, price float64)
}

// WithObserver wraps w so observe sees every price first. The paper
// exchange uses it to match resting orders before the bot reacts.
func WithObserver(w Watcher, observe func(symbol string, price float64)) Watcher {
	return &observed{inner: w, observe: observe}
}

func (o *observed) Watch(symbol string, onPrice func(float64)) (func(), error) {
	return o.inner.Watch(symbol, func(price float64) {
		o.observe(symbol, price)
		onPrice(price)
	})
}
