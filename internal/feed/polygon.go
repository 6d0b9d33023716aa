package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arctrigger/internal/config"
)

// Polygon 基于 Polygon 风格的行情源实现 Transport：
// REST 拉取最新价/快照，websocket 推送逐笔成交。
type Polygon struct {
	cfg    config.FeedConfig
	client *http.Client
}

var _ Transport = (*Polygon)(nil)

// NewPolygon 创建行情源客户端。
func NewPolygon(cfg config.FeedConfig) *Polygon {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Polygon{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type lastTradeResponse struct {
	Results struct {
		Price float64 `json:"p"`
	} `json:"results"`
}

type snapshotResponse struct {
	Ticker struct {
		LastTrade struct {
			Price float64 `json:"p"`
		} `json:"lastTrade"`
		LastQuote struct {
			Bid float64 `json:"bp"`
			Ask float64 `json:"ap"`
		} `json:"lastQuote"`
	} `json:"ticker"`
}

// LastPrice 拉取最新成交价。
func (p *Polygon) LastPrice(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/v2/last/trade/%s?apiKey=%s",
		p.cfg.BaseURL, strings.ToUpper(symbol), p.cfg.APIKey)

	var resp lastTradeResponse
	if err := p.getJSON(ctx, url, &resp); err != nil {
		return 0, err
	}
	return resp.Results.Price, nil
}

// Snapshot 拉取快照。
func (p *Polygon) Snapshot(ctx context.Context, symbol string) (Quote, error) {
	url := fmt.Sprintf("%s/v2/snapshot/locale/us/markets/stocks/tickers/%s?apiKey=%s",
		p.cfg.BaseURL, strings.ToUpper(symbol), p.cfg.APIKey)

	var resp snapshotResponse
	if err := p.getJSON(ctx, url, &resp); err != nil {
		return Quote{}, err
	}
	return Quote{
		Last: resp.Ticker.LastTrade.Price,
		Bid:  resp.Ticker.LastQuote.Bid,
		Ask:  resp.Ticker.LastQuote.Ask,
	}, nil
}

func (p *Polygon) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("feed: 构造请求失败: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed: 请求行情源失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed: 行情源返回异常状态 %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("feed: 解析行情响应失败: %w", err)
	}
	return nil
}

// Dial 建立 websocket 会话并完成认证。
func (p *Polygon) Dial(ctx context.Context) (StreamConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: 连接行情流失败: %w", err)
	}

	stream := &polygonStream{conn: conn}
	if err := stream.send(streamAction{Action: "auth", Params: p.cfg.APIKey}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("feed: 行情流认证失败: %w", err)
	}
	return stream, nil
}

type streamAction struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

type streamEvent struct {
	Event  string  `json:"ev"`
	Symbol string  `json:"sym"`
	Price  float64 `json:"p"`
}

// polygonStream 为一条活跃的 websocket 会话。gorilla 连接的并发写
// 由 writeMu 串行化，读取始终只在 Feed 的读循环进行。
type polygonStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending []Tick
}

var _ StreamConn = (*polygonStream)(nil)

func (s *polygonStream) send(msg streamAction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Subscribe 发出网络级订阅指令。
func (s *polygonStream) Subscribe(symbol string) error {
	return s.send(streamAction{Action: "subscribe", Params: "T." + strings.ToUpper(symbol)})
}

// Unsubscribe 发出网络级退订指令。
func (s *polygonStream) Unsubscribe(symbol string) error {
	return s.send(streamAction{Action: "unsubscribe", Params: "T." + strings.ToUpper(symbol)})
}

// ReadTick 阻塞读取下一笔成交推送。状态类消息被跳过。
func (s *polygonStream) ReadTick() (Tick, error) {
	for {
		if len(s.pending) > 0 {
			tick := s.pending[0]
			s.pending = s.pending[1:]
			return tick, nil
		}

		var events []streamEvent
		if err := s.conn.ReadJSON(&events); err != nil {
			return Tick{}, fmt.Errorf("feed: 读取行情流失败: %w", err)
		}

		for _, ev := range events {
			if ev.Event != "T" || ev.Symbol == "" {
				continue
			}
			s.pending = append(s.pending, Tick{Symbol: ev.Symbol, Price: ev.Price})
		}
	}
}

// Close 关闭会话。
func (s *polygonStream) Close() error {
	return s.conn.Close()
}
