package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const messageOperation = "wallet operation"

// ZapLogger writes every wallet operation as one structured log line.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger discards everything.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements moneys.OperationLogger. Business rejections are
// logged at info, unexpected failures at error.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry moneys.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.Int64("paid_balance", entry.PaidBalance.Int64()),
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if !moneys.IsBusinessError(entry.Error) {
			level = zapcore.ErrorLevel
		}
	}
	if checked := zapLogger.logger.Check(level, messageOperation); checked != nil {
		checked.Write(fields...)
	}
}
