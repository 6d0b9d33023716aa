package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"arctrigger/internal/monitor"
	"arctrigger/internal/order"
	"arctrigger/internal/watch"
)

type createOrderRequest struct {
	Symbol         string   `json:"symbol"`
	Expiry         string   `json:"expiry"`
	Strike         float64  `json:"strike"`
	Right          string   `json:"right"`
	Qty            int      `json:"qty"`
	Budget         *float64 `json:"budget"`
	EntryPrice     float64  `json:"entry_price"`
	TakeProfit     float64  `json:"take_profit"`
	Trigger        *float64 `json:"trigger"`
	StopLossOffset *float64 `json:"sl_offset"`
	Mode           string   `json:"mode"`
}

type orderSummary struct {
	OrderID  string `json:"order_id"`
	Symbol   string `json:"symbol"`
	State    string `json:"state"`
	Qty      int    `json:"qty"`
	BrokerID string `json:"broker_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type rebaseRequest struct {
	Trigger float64 `json:"trigger"`
}

type takeProfitRequest struct {
	Fraction float64 `json:"fraction"`
}

// startAPIServer 暴露控制与监控接口：下单、撤单、重设触发价、止盈、
// 保本，以及监控任务、持仓与事件的只读快照。
func (a *App) startAPIServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /watchers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.engine.Watchers(), a.logger)
	})

	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.gw.Ledger().List(), a.logger)
	})

	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, r *http.Request) {
		orders := a.listOrders()
		out := make([]orderSummary, 0, len(orders))
		for _, ord := range orders {
			out = append(out, orderSummary{
				OrderID:  ord.ID,
				Symbol:   ord.Instrument.Symbol,
				State:    string(ord.State()),
				Qty:      ord.Quantity(),
				BrokerID: ord.BrokerID(),
				Reason:   ord.Reason(),
			})
		}
		writeJSON(w, out, a.logger)
	})

	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("解析请求失败: %v", err), http.StatusBadRequest)
			return
		}

		ord, err := order.New(order.Params{
			Instrument: order.Instrument{
				Symbol: strings.ToUpper(strings.TrimSpace(req.Symbol)),
				Expiry: req.Expiry,
				Strike: req.Strike,
				Right:  order.Right(strings.ToUpper(req.Right)),
			},
			Qty:            req.Qty,
			Budget:         req.Budget,
			EntryPrice:     req.EntryPrice,
			TakeProfit:     req.TakeProfit,
			Trigger:        req.Trigger,
			StopLossOffset: req.StopLossOffset,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mode := watch.ModePush
		if req.Mode == string(watch.ModePoll) {
			mode = watch.ModePoll
		}

		a.register(ord)
		// 监控任务必须活过本次请求，挂到运行上下文而不是请求上下文
		if err := a.engine.AddOrder(a.runCtx, ord, mode); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]string{"order_id": ord.ID}, a.logger)
	})

	mux.HandleFunc("DELETE /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.engine.CancelOrder(a.runCtx, r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /orders/{id}/rebase", func(w http.ResponseWriter, r *http.Request) {
		var req rebaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("解析请求失败: %v", err), http.StatusBadRequest)
			return
		}
		if err := a.engine.RebaseTrigger(r.PathValue("id"), req.Trigger); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /orders/{id}/takeprofit", func(w http.ResponseWriter, r *http.Request) {
		var req takeProfitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("解析请求失败: %v", err), http.StatusBadRequest)
			return
		}
		if err := a.mgr.TakeProfit(a.runCtx, r.PathValue("id"), req.Fraction); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /orders/{id}/breakeven", func(w http.ResponseWriter, r *http.Request) {
		if err := a.mgr.Breakeven(a.runCtx, r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := a.mon.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, a.logger)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	a.logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}
