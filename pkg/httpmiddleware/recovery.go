package httpmiddleware

import (
	"io"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

const internalErrorBody = `{"code":500,"message":"internal error"}`

// Recovery turns a handler panic into a 500 carrying the API error body. If
// the handler already started the response, the panic is only logged.
// http.ErrAbortHandler is re-raised so the server drops the connection.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				zctx.From(r.Context()).Error("Handler panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
					zap.Stack("stack"),
				)
				if rec.wrote {
					return
				}
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, internalErrorBody)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
