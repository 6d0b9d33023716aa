package order

import (
	"encoding/json"
	"fmt"
)

// wireOrder 为序列化载体。可选字段使用指针，缺省时显式编码为 null，
// 反序列化后能够无损还原 PENDING/ACTIVE 订单。
type wireOrder struct {
	ID             string     `json:"order_id"`
	Instrument     Instrument `json:"instrument"`
	Side           Side       `json:"side"`
	Kind           Kind       `json:"kind"`
	Qty            int        `json:"qty"`
	EntryPrice     float64    `json:"entry_price"`
	TakeProfit     float64    `json:"tp_price"`
	Trigger        *float64   `json:"trigger"`
	StopLossOffset *float64   `json:"sl_offset"`
	Budget         *float64   `json:"position_size"`
	ParentID       string     `json:"parent_id,omitempty"`
	BrokerID       string     `json:"broker_id,omitempty"`
	State          State      `json:"state"`
	Reason         string     `json:"reason,omitempty"`
}

// Serialize 将订单编码为 JSON。状态回调不参与序列化。
func (o *Order) Serialize() ([]byte, error) {
	o.mu.Lock()
	w := wireOrder{
		ID:             o.ID,
		Instrument:     o.Instrument,
		Side:           o.Side,
		Kind:           o.Kind,
		Qty:            o.qty,
		EntryPrice:     o.EntryPrice,
		TakeProfit:     o.TakeProfit,
		Trigger:        copyFloat(o.trigger),
		StopLossOffset: copyFloat(o.stopLossOffset),
		Budget:         copyFloat(o.budget),
		ParentID:       o.ParentID,
		BrokerID:       o.brokerID,
		State:          o.state,
		Reason:         o.reason,
	}
	o.mu.Unlock()

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("order: 序列化失败: %w", err)
	}
	return data, nil
}

// Deserialize 从 JSON 还原订单。
func Deserialize(data []byte) (*Order, error) {
	var w wireOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("order: 反序列化失败: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("order: 序列化数据缺少 order_id")
	}

	state := w.State
	if state == "" {
		state = StateActive
		if w.Trigger != nil {
			state = StatePending
		}
	}

	return &Order{
		ID:             w.ID,
		Instrument:     w.Instrument,
		Side:           w.Side,
		Kind:           w.Kind,
		EntryPrice:     w.EntryPrice,
		TakeProfit:     w.TakeProfit,
		ParentID:       w.ParentID,
		qty:            w.Qty,
		trigger:        copyFloat(w.Trigger),
		stopLossOffset: copyFloat(w.StopLossOffset),
		budget:         copyFloat(w.Budget),
		brokerID:       w.BrokerID,
		state:          state,
		reason:         w.Reason,
	}, nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
