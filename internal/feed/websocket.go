package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsKline is the wire shape of one candle event.
type wsKline struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	OpenTime  int64  `json:"open_time"` // unix millis
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Trades    int64  `json:"trades"`
	Finalized bool   `json:"finalized"`
}

// wsSubscribeMsg is the subscription request sent on connect.
type wsSubscribeMsg struct {
	Op      string   `json:"op"`
	Streams []string `json:"streams"`
}

// restKline mirrors the backfill endpoint's array row:
// [openTimeMillis, open, high, low, close, volume, trades].
type restKline []json.RawMessage

// WebsocketFeed is a MarketFeed over a websocket kline stream with a REST
// sibling for backfill and server time.
type WebsocketFeed struct {
	wsURL   string
	restURL string
	http    *http.Client
	log     zerolog.Logger

	// onParseFailure is invoked for every message that cannot be decoded.
	onParseFailure func(ParseFailureKind)
}

// NewWebsocketFeed creates a feed client for the given websocket and REST
// base URLs.
func NewWebsocketFeed(wsURL, restURL string, log zerolog.Logger) *WebsocketFeed {
	return &WebsocketFeed{
		wsURL:          strings.TrimRight(wsURL, "/"),
		restURL:        strings.TrimRight(restURL, "/"),
		http:           &http.Client{Timeout: 15 * time.Second},
		log:            log.With().Str("component", "ws_feed").Logger(),
		onParseFailure: func(ParseFailureKind) {},
	}
}

// SetParseFailureHook installs the parse-failure classifier callback.
func (w *WebsocketFeed) SetParseFailureHook(fn func(ParseFailureKind)) {
	if fn != nil {
		w.onParseFailure = fn
	}
}

// Subscribe connects and streams finalized bars until ctx is cancelled or
// the connection fails. The returned channel is closed on failure; callers
// resubscribe to reconnect.
func (w *WebsocketFeed) Subscribe(ctx context.Context, symbols []string, timeframes []models.Timeframe) (<-chan models.Bar, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", w.wsURL, err)
	}

	streams := make([]string, 0, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(sym), tf))
		}
	}
	if err := conn.WriteJSON(wsSubscribeMsg{Op: "subscribe", Streams: streams}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	out := make(chan models.Bar, 128)
	go w.readLoop(ctx, conn, out)
	return out, nil
}

func (w *WebsocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- models.Bar) {
	defer close(out)
	defer conn.Close()

	// unblock the read loop on cancellation
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()
	go func() {
		for range pinger.C {
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if netTimeout(err) {
					w.onParseFailure(ParseTimeout)
				}
				w.log.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}

		bar, ok := w.decode(raw)
		if !ok {
			continue
		}
		select {
		case out <- bar:
		case <-ctx.Done():
			return
		}
	}
}

// decode parses one websocket message into a finalized bar. Non-kline
// control frames are skipped silently; undecodable payloads are classified
// and counted.
func (w *WebsocketFeed) decode(raw []byte) (models.Bar, bool) {
	var k wsKline
	if err := json.Unmarshal(raw, &k); err != nil {
		w.onParseFailure(ParseMalformed)
		w.log.Debug().Err(err).Msg("Malformed feed message")
		return models.Bar{}, false
	}
	if k.Type != "kline" {
		return models.Bar{}, false
	}
	if !k.Finalized {
		return models.Bar{}, false
	}

	tf := models.Timeframe(k.Interval)
	if !tf.Valid() || k.Symbol == "" || k.OpenTime <= 0 {
		w.onParseFailure(ParseSchemaMismatch)
		return models.Bar{}, false
	}

	bar, err := klineToBar(k, tf)
	if err != nil {
		w.onParseFailure(ParseSchemaMismatch)
		w.log.Debug().Err(err).Str("symbol", k.Symbol).Msg("Kline with unparsable fields")
		return models.Bar{}, false
	}
	return bar, true
}

func klineToBar(k wsKline, tf models.Timeframe) (models.Bar, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return models.Bar{}, fmt.Errorf("open: %w", err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return models.Bar{}, fmt.Errorf("high: %w", err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return models.Bar{}, fmt.Errorf("low: %w", err)
	}
	cls, err := decimal.NewFromString(k.Close)
	if err != nil {
		return models.Bar{}, fmt.Errorf("close: %w", err)
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return models.Bar{}, fmt.Errorf("volume: %w", err)
	}
	return models.Bar{
		Symbol:      strings.ToUpper(k.Symbol),
		Timeframe:   tf,
		OpenTime:    time.UnixMilli(k.OpenTime).UTC(),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       cls,
		Volume:      vol,
		TradesCount: k.Trades,
	}, nil
}

// Backfill fetches historical bars in [from, to) from the REST sibling.
func (w *WebsocketFeed) Backfill(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Bar, error) {
	url := fmt.Sprintf("%s/klines?symbol=%s&interval=%s&start=%d&end=%d",
		w.restURL, symbol, tf, from.UnixMilli(), to.UnixMilli())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill returned %d", resp.StatusCode)
	}

	var rows []restKline
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		w.onParseFailure(ParseMalformed)
		return nil, fmt.Errorf("decoding backfill body: %w", err)
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := restRowToBar(symbol, tf, row)
		if err != nil {
			w.onParseFailure(ParseSchemaMismatch)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func restRowToBar(symbol string, tf models.Timeframe, row restKline) (models.Bar, error) {
	if len(row) < 7 {
		return models.Bar{}, fmt.Errorf("kline row has %d fields, want 7", len(row))
	}
	var openMillis int64
	if err := json.Unmarshal(row[0], &openMillis); err != nil {
		return models.Bar{}, fmt.Errorf("open_time: %w", err)
	}
	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return models.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return models.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = d
	}
	var trades int64
	if err := json.Unmarshal(row[6], &trades); err != nil {
		return models.Bar{}, fmt.Errorf("trades: %w", err)
	}
	return models.Bar{
		Symbol:      symbol,
		Timeframe:   tf,
		OpenTime:    time.UnixMilli(openMillis).UTC(),
		Open:        fields[0],
		High:        fields[1],
		Low:         fields[2],
		Close:       fields[3],
		Volume:      fields[4],
		TradesCount: trades,
	}, nil
}

// ServerTime queries the venue clock.
func (w *WebsocketFeed) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.restURL+"/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ServerTime int64 `json:"server_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decoding server time: %w", err)
	}
	return time.UnixMilli(body.ServerTime).UTC(), nil
}

func netTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
