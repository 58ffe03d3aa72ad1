package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("unauthorized")

// errRejected marks an answer from the authority, as opposed to a failure to
// reach it. Rejections do not count against the breaker.
var errRejected = errors.New("credential rejected by authority")

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) error
}

// HTTPAuthenticator asks the external authority whether a credential is
// valid: POST {"token": credential}, any 2xx is a yes.
type HTTPAuthenticator struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

func NewHTTPAuthenticator(url string, timeout time.Duration, logger *zap.Logger) *HTTPAuthenticator {
	a := &HTTPAuthenticator{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	a.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "token-validator",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return a
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, credential string) error {
	_, err := a.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, a.call(ctx, credential)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

func (a *HTTPAuthenticator) call(ctx context.Context, credential string) error {
	body, err := json.Marshal(map[string]string{"token": credential})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build validator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("call validator: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("validator returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	}
	return nil
}

// ClaimExtractor reads the user id from a JWT payload without checking the
// signature. It must only run on credentials the authority accepted.
type ClaimExtractor struct {
	claim  string
	parser *jwt.Parser
}

func NewClaimExtractor(claim string) *ClaimExtractor {
	return &ClaimExtractor{claim: claim, parser: jwt.NewParser()}
}

func (e *ClaimExtractor) ExtractUserID(credential string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := e.parser.ParseUnverified(credential, claims); err != nil {
		return "", fmt.Errorf("%w: malformed token: %w", ErrUnauthorized, err)
	}

	switch v := claims[e.claim].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return "", fmt.Errorf("%w: claim %q missing or not an id", ErrUnauthorized, e.claim)
}

// Validator confirms a credential with the authority and then resolves the
// user it belongs to.
type Validator struct {
	auth      Authenticator
	extractor *ClaimExtractor
}

func NewValidator(auth Authenticator, extractor *ClaimExtractor) *Validator {
	return &Validator{auth: auth, extractor: extractor}
}

func (v *Validator) Validate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	if err := v.auth.Authenticate(ctx, credential); err != nil {
		return "", err
	}
	return v.extractor.ExtractUserID(credential)
}
