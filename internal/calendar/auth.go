package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/planwise/plansync/internal/tokenfile"
)

// OAuth2 application registered for plansync (public client, device flow).
const defaultClientID = "plansync-cli"

var defaultScopes = []string{
	"offline_access",
	"calendar.readwrite",
}

// Default OAuth2 endpoints for the calendar service.
const (
	defaultAuthURL       = "https://auth.planwise.io/oauth2/authorize"
	defaultTokenURL      = "https://auth.planwise.io/oauth2/token" //nolint:gosec // endpoint URL, not a credential
	defaultDeviceAuthURL = "https://auth.planwise.io/oauth2/devicecode"
)

// DeviceAuth holds the device code response fields that the CLI displays
// to the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// oauthConfig builds the oauth2.Config for the device code flow. endpoint
// may be non-nil to inject a mock server in tests.
func oauthConfig(endpoint *oauth2.Endpoint) *oauth2.Config {
	ep := oauth2.Endpoint{
		AuthURL:       defaultAuthURL,
		TokenURL:      defaultTokenURL,
		DeviceAuthURL: defaultDeviceAuthURL,
	}

	if endpoint != nil {
		ep = *endpoint
	}

	return &oauth2.Config{
		ClientID: defaultClientID,
		Scopes:   defaultScopes,
		Endpoint: ep,
	}
}

// Login performs the device code OAuth2 flow:
//  1. Requests a device code from the auth server
//  2. Calls display so the CLI can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//  4. Saves the token to disk at tokenPath with the account identity
//  5. Returns a TokenSource for use with Client
//
// The returned TokenSource binds ctx to the underlying oauth2 token source.
// ctx must outlive the TokenSource — if ctx is canceled, silent token
// refresh will fail. Callers should pass context.Background() for
// long-lived sessions.
func Login(
	ctx context.Context,
	tokenPath, account string,
	display func(DeviceAuth),
	logger *slog.Logger,
) (TokenSource, error) {
	cfg := oauthConfig(nil)

	return doLogin(ctx, tokenPath, account, cfg, display, logger)
}

// doLogin implements the device code flow. Accepts a pre-built
// oauth2.Config so tests can inject a mock endpoint.
func doLogin(
	ctx context.Context,
	tokenPath, account string,
	cfg *oauth2.Config,
	display func(DeviceAuth),
	logger *slog.Logger,
) (TokenSource, error) {
	logger.Info("starting device code auth flow",
		slog.String("path", tokenPath),
	)

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar: device auth request failed: %w", err)
	}

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("calendar: device code authorization failed: %w", err)
	}

	logger.Info("user authorized, saving token",
		slog.Time("expiry", tok.Expiry),
	)

	meta := map[string]string{tokenfile.MetaAccount: account}
	if saveErr := tokenfile.Save(tokenPath, tok, meta); saveErr != nil {
		return nil, fmt.Errorf("calendar: saving token: %w", saveErr)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	src := cfg.TokenSource(ctx, tok)

	return &tokenBridge{src: src, account: account, logger: logger}, nil
}

// TokenSourceFromPath loads a saved token file and returns a TokenSource
// that refreshes automatically and persists refreshed tokens back to disk.
// Returns ErrUnauthorized-wrapped errors when no usable token exists —
// retrying cannot succeed without a new login.
func TokenSourceFromPath(ctx context.Context, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("calendar: no saved credentials at %s (run 'plansync login'): %w",
			tokenPath, ErrUnauthorized)
	}

	cfg := oauthConfig(nil)
	src := cfg.TokenSource(ctx, tok)

	return &tokenBridge{
		src:       src,
		account:   meta[tokenfile.MetaAccount],
		tokenPath: tokenPath,
		meta:      meta,
		logger:    logger,
	}, nil
}

// tokenBridge adapts oauth2.TokenSource to calendar.TokenSource. When the
// underlying source refreshes the token, the new token is persisted so the
// next process start does not need to refresh again.
type tokenBridge struct {
	src       oauth2.TokenSource
	account   string
	tokenPath string
	meta      map[string]string
	logger    *slog.Logger

	// mu guards lastAccess: the exporter calls Token from concurrent
	// workers, and oauth2.ReuseTokenSource only locks its own state.
	mu         sync.Mutex
	lastAccess string
}

func (b *tokenBridge) Token() (string, error) {
	tok, err := b.src.Token()
	if err != nil {
		return "", fmt.Errorf("calendar: obtaining token: %w: %w", err, ErrUnauthorized)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Persist refreshed tokens. Comparison on the access token is enough:
	// a refresh always issues a new access token.
	if b.tokenPath != "" && tok.AccessToken != b.lastAccess && b.lastAccess != "" {
		if saveErr := tokenfile.Save(b.tokenPath, tok, b.meta); saveErr != nil {
			b.logger.Warn("could not persist refreshed token",
				slog.String("error", saveErr.Error()),
			)
		}
	}

	b.lastAccess = tok.AccessToken

	return tok.AccessToken, nil
}

func (b *tokenBridge) Identity() string {
	return b.account
}
