package monitor

import (
	"time"

	"arctrigger/internal/position"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOrderStatus EventType = "order_status"
	EventTrigger     EventType = "trigger"
	EventExecution   EventType = "execution"
	EventPosition    EventType = "position"
	EventError       EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderStatusPayload 记录订单状态播报。
type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Text    string `json:"text"`
	Color   string `json:"color"`
}

// TriggerPayload 记录触发事件。
type TriggerPayload struct {
	OrderID string  `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Price   float64 `json:"price"`
}

// ExecutionPayload 记录委托执行结果。
type ExecutionPayload struct {
	OrderID  string  `json:"order_id"`
	BrokerID string  `json:"broker_id"`
	State    string  `json:"state"`
	Qty      int     `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// PositionPayload 追踪实时持仓。
type PositionPayload struct {
	Positions []position.Position `json:"positions"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
