package wallet

import "context"

// Option configures the wallet services.
type Option func(*options)

type options struct {
	logger  OperationLogger
	newID   func() string
	newCode func() string
}

// OperationLogger records domain-level events emitted by state-changing operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation       string
	AccountID       AccountID
	RelatedEntityID RelatedEntityID
	Amount          EntryAmount
	Outcome         string
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithIDGenerator overrides the entry id generator.
func WithIDGenerator(newID func() string) Option {
	return func(opts *options) {
		opts.newID = newID
	}
}

// WithReferralCodeGenerator overrides the referral code generator.
func WithReferralCodeGenerator(newCode func() string) Option {
	return func(opts *options) {
		opts.newCode = newCode
	}
}

func applyOptions(opts []Option) options {
	resolved := options{}
	for _, option := range opts {
		if option != nil {
			option(&resolved)
		}
	}
	return resolved
}

func logOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
