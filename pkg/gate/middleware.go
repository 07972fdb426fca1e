package gate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/surrealdb/walletmigrate/pkg/constants"
	"github.com/surrealdb/walletmigrate/pkg/models"
)

// Extractor returns the wallet id a request targets, or "" if it has none.
type Extractor func(r *http.Request) string

// MuxVar extracts the wallet id from a gorilla/mux route variable.
func MuxVar(name string) Extractor {
	return func(r *http.Request) string {
		return mux.Vars(r)[name]
	}
}

// Header extracts the wallet id from a request header.
func Header(name string) Extractor {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// Observed is the gate's view of a forwarded request's wallet.
type Observed struct {
	Tenant models.TenantID
	State  models.MigrationState
}

type observedKey struct{}

// WithObserved returns a copy of ctx carrying o.
func WithObserved(ctx context.Context, o Observed) context.Context {
	return context.WithValue(ctx, observedKey{}, o)
}

// ObservedFromContext returns what the gate saw for a forwarded request.
func ObservedFromContext(ctx context.Context) (Observed, bool) {
	o, ok := ctx.Value(observedKey{}).(Observed)
	return o, ok
}

// ErrorBody is the JSON body of every gate response that does not reach the
// wrapped handler.
type ErrorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Wallet string `json:"wallet,omitempty"`
}

// Middleware rejects requests for wallets that are mid-migration with
// 503 Service Unavailable and a Retry-After header, and fails closed with
// 503 when the migration state cannot be read. Forwarded requests carry an
// Observed value in their context.
func (g *Gate) Middleware(extract Extractor) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := models.ParseTenantID(extract(r))
			if err != nil {
				writeError(w, http.StatusBadRequest, ErrorBody{
					Error: err.Error(),
					Code:  constants.CodeInvalidWallet,
				})
				return
			}

			state, err := g.Check(r.Context(), tenant)
			var rejected *RejectionError
			switch {
			case errors.As(err, &rejected):
				w.Header().Set("Retry-After", retryAfterSeconds(rejected.RetryAfter))
				writeError(w, http.StatusServiceUnavailable, ErrorBody{
					Error:  constants.ErrMigrationInProgress.Error(),
					Code:   constants.CodeMigrationInProgress,
					Wallet: tenant.String(),
				})
				return
			case err != nil:
				w.Header().Set("Retry-After", retryAfterSeconds(g.cfg.RetryAfter))
				writeError(w, http.StatusServiceUnavailable, ErrorBody{
					Error:  constants.ErrStoreUnavailable.Error(),
					Code:   constants.CodeStatusUnavailable,
					Wallet: tenant.String(),
				})
				return
			}

			ctx := WithObserved(r.Context(), Observed{Tenant: tenant, State: state})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	response, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}
