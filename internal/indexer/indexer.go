package indexer

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenSettle-Chain/internal/errors"
	"OpenSettle-Chain/internal/events"
	"OpenSettle-Chain/internal/observability/alerting"
	"OpenSettle-Chain/pkg/logger"
)

// Indexer 从队列消费结算事件并写入历史存储，
// 为查询接口与下游声誉、对账系统提供数据。
type Indexer struct {
	consumer    events.Consumer
	history     History
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// Option 定义可选配置。
type Option func(*Indexer)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(i *Indexer) {
		if workers > 0 {
			i.workerCount = workers
		}
	}
}

// WithIndexerLogger 指定日志输出。
func WithIndexerLogger(l *slog.Logger) Option {
	return func(i *Indexer) {
		i.logger = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(i *Indexer) {
		i.alerter = dispatcher
	}
}

// New 构造 Indexer。
func New(consumer events.Consumer, history History, opts ...Option) *Indexer {
	i := &Indexer{
		consumer:    consumer,
		history:     history,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	if i.workerCount <= 0 {
		i.workerCount = 1
	}
	if i.logger == nil {
		i.logger = logger.Named("indexer")
	}
	return i
}

// Start 启动消费循环，直到上下文取消。
func (i *Indexer) Start(ctx context.Context) error {
	if i.consumer == nil || i.history == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "索引器未初始化")
	}
	return i.consumer.Consume(ctx, i.workerCount, i.handle)
}

func (i *Indexer) handle(ctx context.Context, event events.SettlementAccepted) error {
	record := recordFromEvent(event)
	if err := i.history.Append(ctx, record); err != nil {
		logger.L().Error("写入结算历史失败",
			slog.Any("error", err),
			slog.String("receipt_id", event.ReceiptID),
			slog.String("agent_id", event.AgentID.Hex()),
		)
		i.emitAlert(ctx, event, err)
		// 返回错误让队列按各自语义重投。
		return err
	}
	i.logger.Debug("结算回执已落库",
		slog.String("receipt_id", record.ReceiptID),
		slog.String("agent_id", record.AgentID.Hex()),
		slog.Uint64("execution_nonce", record.ExecutionNonce),
	)
	return nil
}

func (i *Indexer) emitAlert(ctx context.Context, event events.SettlementAccepted, cause error) {
	if i == nil || i.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeHistoryAppend
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	alert := alerting.Event{
		Code:           code,
		Message:        message,
		Severity:       attrs.Severity,
		AgentID:        event.AgentID,
		ReceiptID:      event.ReceiptID,
		ExecutionNonce: event.ExecutionNonce,
		Metadata:       map[string]string{"stage": "index"},
		OccurredAt:     time.Now(),
	}
	if err := i.alerter.Notify(ctx, alert); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("receipt_id", event.ReceiptID),
		)
	}
}
