// Package oplog renders wallet operation records as structured zap log lines.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"go.uber.org/zap"
)

const operationMessage = "wallet operation"

// Logger implements wallet.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger; a nil logger discards records.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("wallet")}
}

// LogOperation writes one line per operation. Failures are logged at warn level.
func (operationLogger *Logger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if related := entry.RelatedEntityID.String(); related != "" {
		fields = append(fields, zap.String("related_entity_id", related))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_minor", entry.Amount.Int64()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn(operationMessage, fields...)
		return
	}
	operationLogger.logger.Info(operationMessage, fields...)
}
