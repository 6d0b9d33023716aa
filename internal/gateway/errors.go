package gateway

import "errors"

var (
	// ErrNotConnected 表示执行网关当前不可用。
	ErrNotConnected = errors.New("gateway: 执行网关未连接")
	// ErrInstrumentResolution 表示合约解析失败。
	ErrInstrumentResolution = errors.New("gateway: 合约解析失败")
	// ErrRiskGuardRejected 表示委托在任何网络调用前即被资金风控拦截。
	ErrRiskGuardRejected = errors.New("gateway: 资金风控拒绝")
	// ErrSubmissionFailed 表示委托提交被拒绝。
	ErrSubmissionFailed = errors.New("gateway: 委托提交失败")
	// ErrFillTimeout 表示在限定时间内未等到成交回报。
	ErrFillTimeout = errors.New("gateway: 等待成交超时")
	// ErrUnknownOrder 表示网关未登记该订单。
	ErrUnknownOrder = errors.New("gateway: 未知订单")
)
