package ports

import "context"

// Logger is the structured logger every component writes through. Fields are merged
// left to right; the logrus adapter renders them as entry fields.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs err under the "error" field together with msg.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
