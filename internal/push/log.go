package push

import (
	"context"

	logx "medremind/pkg/logx"
)

// Log is a transport that only logs. Every send succeeds.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, token string, msg Message) error {
	l.log.Info("push (log driver)",
		logx.String("token", redact(token)),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body))
	return nil
}

func (l *Log) SendMulticast(ctx context.Context, tokens []string, msg Message) ([]Result, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	return sendEach(ctx, l, tokens, msg), nil
}

// redact keeps enough of a token to correlate log lines.
func redact(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[:4] + "…" + tok[len(tok)-4:]
}
