package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's key for a send. The web client
// reuses the message id it generated, so a retried send carries the same
// key as the first attempt.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key IdempotencyValidator accepted.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s := c.GetString(ctxKeyIdemKey)
	return s, s != ""
}

// IsReplay reports whether a send with this key was already committed.
func IsReplay(c *gin.Context) bool {
	return c.GetBool(ctxKeyIdemReplay)
}

// IdempotencyOptions bounds accepted keys. Zero values mean 200 bytes and
// the token pattern ^[A-Za-z0-9._~\-:]+$.
//
// ReplayRoutes lists the route patterns (gin FullPath) whose keys are
// looked up for replays. A key on any other route is validated but never
// marks the request as a replay.
type IdempotencyOptions struct {
	MaxLen       int
	Pattern      *regexp.Regexp
	ReplayRoutes []string
}

// IdempotencyLookup reports whether (userID, scope, key) maps to a send
// that is still inside its replay window at now.
type IdempotencyLookup func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error)

// IdempotencyValidator checks the Idempotency-Key of mutating requests.
// A malformed key is rejected with 400 bad_idempotency_key. A key with a
// committed send behind it, on one of the replay routes, marks the request
// as a replay, which the rate limiter lets through for free. Lookup failures are logged and the
// request proceeds as a fresh one. Safe methods are not inspected.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}
	replayable := make(map[string]struct{}, len(opts.ReplayRoutes))
	for _, r := range opts.ReplayRoutes {
		replayable[r] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			abortJSON(c, http.StatusBadRequest, "bad_idempotency_key", "invalid Idempotency-Key")
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if _, ok := replayable[c.FullPath()]; ok && lookup != nil {
			exists, err := lookup(c.Request.Context(), userIDFromCtx(c), IdempotencyScope(c), key, time.Now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
			case exists:
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// IdempotencyScope returns the chat part of an idempotency record: the :id
// path parameter, or "me" for sends to the caller's own chat.
func IdempotencyScope(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return "me"
}

func userIDFromCtx(c *gin.Context) string {
	if uid := UserID(c); uid != "" {
		return uid
	}
	return "anonymous"
}
