package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

const (
	BinanceWSURL        = "wss://fstream.binance.com"
	BinanceTestnetWSURL = "wss://stream.binancefuture.com"
)

type SessionState string

const (
	StateDisconnected SessionState = "DISCONNECTED"
	StateConnecting   SessionState = "CONNECTING"
	StateConnected    SessionState = "CONNECTED"
	StateReconnecting SessionState = "RECONNECTING"
)

// SessionStatus is a point-in-time snapshot for health reporting.
type SessionStatus struct {
	State            SessionState         `json:"state"`
	Subscriptions    map[string]string    `json:"subscriptions"`
	ReconnectCount   int                  `json:"reconnect_count"`
	StartTime        time.Time            `json:"start_time"`
	LastMessageTimes map[string]time.Time `json:"last_message_times"`
}

// wsConn is the slice of *websocket.Conn the session needs; tests plug
// in a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// KlineSession keeps a kline stream subscription alive across socket
// drops. Recovery layers: read timeouts are idle, read errors trigger a
// linear-backoff reconnect, a silent subscribed symbol forces a
// reconnect, and a long-lived connection is rebuilt outright after a
// fixed uptime.
type KlineSession struct {
	baseURL  string
	dial     func(url string) (wsConn, error)
	log      *zap.Logger
	notifier domain.Notifier

	// Self-heal parameters.
	readTimeout     time.Duration
	healthInterval  time.Duration
	noDataTimeout   time.Duration
	fullRestartWait time.Duration
	backoffBase     time.Duration
	backoffCap      time.Duration
	subscribeDelay  time.Duration

	mu           sync.Mutex
	state        SessionState
	conn         wsConn
	subs         map[string]string // symbol -> interval
	lastMessage  map[string]time.Time
	listeners    []func(domain.Kline)
	reconnects   int
	reconnecting bool
	startTime    time.Time
	connectedAt  time.Time
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// KlineSessionOptions carries the self-heal tuning from config.
type KlineSessionOptions struct {
	HealthCheckInterval time.Duration
	NoDataTimeout       time.Duration
	FullRestartAfter    time.Duration
}

func NewKlineSession(baseURL string, opts KlineSessionOptions, notifier domain.Notifier, log *zap.Logger) *KlineSession {
	if baseURL == "" {
		baseURL = BinanceWSURL
	}
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = 60 * time.Second
	}
	if opts.NoDataTimeout == 0 {
		opts.NoDataTimeout = 5 * time.Minute
	}
	if opts.FullRestartAfter == 0 {
		opts.FullRestartAfter = 20 * time.Hour
	}
	return &KlineSession{
		baseURL: baseURL,
		dial: func(url string) (wsConn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			return c, err
		},
		log:             log,
		notifier:        notifier,
		readTimeout:     30 * time.Second,
		healthInterval:  opts.HealthCheckInterval,
		noDataTimeout:   opts.NoDataTimeout,
		fullRestartWait: opts.FullRestartAfter,
		backoffBase:     5 * time.Second,
		backoffCap:      60 * time.Second,
		subscribeDelay:  250 * time.Millisecond,
		state:           StateDisconnected,
		subs:            make(map[string]string),
		lastMessage:     make(map[string]time.Time),
	}
}

func (s *KlineSession) AddListener(fn func(domain.Kline)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func streamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// Subscribe records the subscription and, when connected, sends the
// subscribe message. Subscribing an already-subscribed symbol is a
// no-op.
func (s *KlineSession) Subscribe(symbol, interval string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[symbol]; ok {
		return nil
	}
	s.subs[symbol] = interval

	if s.conn != nil && s.state == StateConnected {
		return s.sendControl("SUBSCRIBE", streamName(symbol, interval))
	}
	return nil
}

// Unsubscribe removes the subscription; unknown symbols are a no-op.
func (s *KlineSession) Unsubscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	interval, ok := s.subs[symbol]
	if !ok {
		return nil
	}
	delete(s.subs, symbol)
	delete(s.lastMessage, symbol)

	if s.conn != nil && s.state == StateConnected {
		return s.sendControl("UNSUBSCRIBE", streamName(symbol, interval))
	}
	return nil
}

// sendControl sends one stream control message. Caller holds s.mu.
func (s *KlineSession) sendControl(method string, streams ...string) error {
	msg := map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     time.Now().UnixMilli(),
	}
	return s.conn.WriteJSON(msg)
}

func (s *KlineSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startTime = time.Now()
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.connect(); err != nil {
		s.log.Error("Initial connect failed, will retry in read loop", zap.Error(err))
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.healthLoop(ctx)

	s.log.Info("Kline session started")
	return nil
}

func (s *KlineSession) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	s.log.Info("Kline session stopped")
	return nil
}

func (s *KlineSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make(map[string]string, len(s.subs))
	for k, v := range s.subs {
		subs[k] = v
	}
	last := make(map[string]time.Time, len(s.lastMessage))
	for k, v := range s.lastMessage {
		last[k] = v
	}
	return SessionStatus{
		State:            s.state,
		Subscriptions:    subs,
		ReconnectCount:   s.reconnects,
		StartTime:        s.startTime,
		LastMessageTimes: last,
	}
}

// connect dials and replays every recorded subscription, pacing the
// subscribe messages to stay under the control-message rate limit.
func (s *KlineSession) connect() error {
	s.mu.Lock()
	s.state = StateConnecting
	streams := make([]string, 0, len(s.subs))
	for symbol, interval := range s.subs {
		streams = append(streams, streamName(symbol, interval))
	}
	s.mu.Unlock()

	url := s.baseURL + "/ws"
	if len(streams) > 0 {
		url = s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
	}

	conn, err := s.dial(url)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.reconnects = 0
	s.mu.Unlock()

	// Replay every recorded subscription even though the initial set
	// rides in the URL: subscriptions recorded between dial and now
	// would otherwise be lost.
	for _, stream := range streams {
		s.mu.Lock()
		err := s.sendControl("SUBSCRIBE", stream)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		time.Sleep(s.subscribeDelay)
	}

	s.log.Info("WebSocket connected", zap.String("url", url))
	return nil
}

// nextBackoff returns the wait before reconnect attempt n (1-based):
// linear growth capped at backoffCap.
func (s *KlineSession) nextBackoff(attempt int) time.Duration {
	wait := time.Duration(attempt) * s.backoffBase
	if wait > s.backoffCap {
		wait = s.backoffCap
	}
	return wait
}

// reconnect rebuilds the connection. Only one caller may own a
// reconnect at a time: a closed socket wakes the read loop with a read
// error, so a health-forced reconnect and the read loop's reaction to
// it would otherwise both dial. The from argument is the connection
// the caller observed failing; if it is no longer the current one,
// another owner already handled it.
func (s *KlineSession) reconnect(ctx context.Context, from wsConn) {
	s.mu.Lock()
	if !s.running || s.reconnecting || (from != nil && from != s.conn) {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.state = StateReconnecting
	s.reconnects++
	attempt := s.reconnects
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	if conn != nil {
		conn.Close()
	}

	wait := s.nextBackoff(attempt)
	s.log.Warn("Reconnecting WebSocket",
		zap.Int("attempt", attempt),
		zap.Duration("backoff", wait))

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	if err := s.connect(); err != nil {
		s.log.Error("Reconnect failed", zap.Error(err))
	}
}

func (s *KlineSession) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		running := s.running
		reconnecting := s.reconnecting
		s.mu.Unlock()
		if !running {
			return
		}
		if conn == nil {
			if reconnecting {
				// Another owner is rebuilding the connection; poll for
				// the new one instead of dialing a second time.
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			s.reconnect(ctx, nil)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				// No traffic inside the read window is normal idle.
				continue
			}
			s.log.Warn("WebSocket read error", zap.Error(err))
			s.reconnect(ctx, conn)
			continue
		}

		s.handleMessage(message)
	}
}

// binanceKlineEvent is the kline payload; the envelope may wrap it in
// a combined-stream frame or deliver it bare.
type binanceKlineEvent struct {
	EventType string `json:"e"`
	K         struct {
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (s *KlineSession) handleMessage(message []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}

	payload := message
	if err := json.Unmarshal(message, &envelope); err == nil && envelope.Stream != "" {
		payload = envelope.Data
	}

	var event binanceKlineEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.EventType != "kline" {
		return
	}

	kline := domain.Kline{
		Symbol:    event.K.Symbol,
		Interval:  event.K.Interval,
		OpenTime:  event.K.OpenTime,
		CloseTime: event.K.CloseTime,
		Closed:    event.K.Closed,
	}
	kline.Open, _ = strconv.ParseFloat(event.K.Open, 64)
	kline.High, _ = strconv.ParseFloat(event.K.High, 64)
	kline.Low, _ = strconv.ParseFloat(event.K.Low, 64)
	kline.Close, _ = strconv.ParseFloat(event.K.Close, 64)
	kline.Volume, _ = strconv.ParseFloat(event.K.Volume, 64)

	s.mu.Lock()
	s.lastMessage[kline.Symbol] = time.Now()
	listeners := make([]func(domain.Kline), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		s.deliver(fn, kline)
	}
}

// deliver isolates listener failures: one panicking listener must not
// block the others or kill the read loop.
func (s *KlineSession) deliver(fn func(domain.Kline), kline domain.Kline) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Kline listener panic",
				zap.String("symbol", kline.Symbol),
				zap.Any("panic", r))
		}
	}()
	fn(kline)
}

func (s *KlineSession) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if symbol, stale := s.findStaleSymbol(time.Now()); stale {
				msg := fmt.Sprintf("⚠️ WebSocket: no data for %s in %s, reconnecting", symbol, s.noDataTimeout)
				s.log.Warn(msg)
				if s.notifier != nil {
					s.notifier.Send(msg)
				}
				// One reconnect per breach, not per stale symbol.
				s.reconnect(ctx, nil)
				continue
			}

			s.mu.Lock()
			uptime := time.Since(s.connectedAt)
			connected := s.conn != nil
			s.mu.Unlock()
			if connected && uptime >= s.fullRestartWait {
				s.log.Info("Connection uptime cap reached, full restart",
					zap.Duration("uptime", uptime))
				if s.notifier != nil {
					s.notifier.Send(fmt.Sprintf("🔄 WebSocket: uptime over %s, full restart", s.fullRestartWait))
				}
				s.fullRestart(ctx)
			}
		}
	}
}

// findStaleSymbol reports the first subscribed symbol whose last
// message is older than the no-data timeout.
func (s *KlineSession) findStaleSymbol(now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol := range s.subs {
		last, ok := s.lastMessage[symbol]
		if !ok {
			continue
		}
		if now.Sub(last) > s.noDataTimeout {
			return symbol, true
		}
	}
	return "", false
}

// fullRestart tears the connection down and rebuilds it without
// backoff, bounding resource drift from long-lived sockets.
func (s *KlineSession) fullRestart(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	conn := s.conn
	s.conn = nil
	s.state = StateConnecting
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	if conn != nil {
		conn.Close()
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}

	if err := s.connect(); err != nil {
		s.log.Error("Full restart connect failed", zap.Error(err))
	}
}
