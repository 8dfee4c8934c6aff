package ipc

import "github.com/ryuuseigun/ryuu-gate/internal/logsanitize"

// requestAttrs returns slog attributes describing req. Codes are masked and
// URLs stripped of control characters, since both arrive from outside the
// daemon (CWE-117).
func requestAttrs(req *Request) []any {
	attrs := []any{"type", logsanitize.Sanitize(string(req.Type))}
	if req.Code != "" {
		attrs = append(attrs, "code", logsanitize.Mask(req.Code))
	}
	if req.URL != "" {
		attrs = append(attrs, "url_length", len(req.URL))
	}
	return attrs
}
