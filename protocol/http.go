package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// PriceFunc maps an inbound request to its price in human units. Returning
// a zero price lets the request through unpaid.
type PriceFunc func(r *http.Request) decimal.Decimal

// Middleware wraps an http.Handler so the handler only runs for paid
// requests. The wrapped handler's output is buffered: nothing reaches the
// client, and no settlement is attempted, until the handler finishes.
func Middleware(engine *Engine, price PriceFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := price(r)
		if p.IsZero() {
			next.ServeHTTP(w, r)
			return
		}

		buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		out := engine.Handle(r.Context(), Request{
			Resource:      r.URL.Path,
			Price:         p,
			PaymentHeader: r.Header.Get(HeaderPayment),
		}, func(ctx context.Context) (interface{}, error) {
			next.ServeHTTP(buf, r.WithContext(ctx))
			// A handler that reports a server failure did not deliver the
			// paid-for work; the buyer must not be charged for it.
			if buf.status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("handler returned status %d", buf.status)
			}
			return nil, nil
		})

		switch {
		case out.StatusCode == http.StatusPaymentRequired:
			if out.RequiredHeader != "" {
				w.Header().Set(HeaderPaymentRequired, out.RequiredHeader)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(out.Required)

		case out.State == StateExecutionFailed:
			// Serve the handler's own failure response; settlement was
			// never attempted.
			buf.flush(w)

		case out.Err != nil && !out.Pending:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(out.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":  out.Err.Code,
				"error": out.Err.Message,
			})

		default:
			// Settled, or settlement pending: the buffered handler output
			// goes back either way, with the settlement header attached.
			if out.ResponseHeader != "" {
				w.Header().Set(HeaderPaymentResponse, out.ResponseHeader)
			}
			buf.flush(w)
		}
	})
}

// bufferedResponse captures the wrapped handler's output so settlement order
// is decided by the engine, not by when the handler wrote.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
