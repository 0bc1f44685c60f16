package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/config"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

// OAuthProfile is the provider-neutral view of an external identity.
type OAuthProfile struct {
	ProviderUserID string
	Email          string
	Name           string
}

// OAuthProvider hides provider wire formats behind a narrow driver contract.
type OAuthProvider interface {
	Name() string
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (accessToken string, err error)
	FetchProfile(ctx context.Context, accessToken string) (OAuthProfile, error)
}

// LinkOAuth resolves the user owning (provider, providerUserID), creating an
// account on first login. Auto-provisioned accounts get a random strong
// password and a username derived from the profile, suffixed until unique.
func (s *Service) LinkOAuth(ctx context.Context, provider string, profile OAuthProfile) (*User, error) {
	var userID string
	err := s.store.QueryRow(ctx, `
		SELECT user_id FROM oauth_identities WHERE provider = $1 AND provider_user_id = $2
	`, provider, profile.ProviderUserID).Scan(&userID)
	if err == nil {
		return s.GetUser(ctx, userID)
	}

	base := deriveUsername(profile)
	var created *User
	txErr := s.store.InTx(ctx, func(tx *store.Tx) error {
		username := base
		for i := 1; ; i++ {
			taken, err := s.usernameTaken(ctx, tx, username)
			if err != nil {
				return apperr.Internal(err)
			}
			if !taken {
				break
			}
			username = base + strconv.Itoa(i)
			if i > 1000 {
				return apperr.New(apperr.CodeConflict, "could not derive a unique username")
			}
		}

		u, err := insertUser(ctx, tx, username, randomPassword(), optional(profile.Email))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO oauth_identities (provider, provider_user_id, user_id, created_at_ms)
			VALUES ($1, $2, $3, $4)
		`, provider, profile.ProviderUserID, u.ID, cursor.NowMs()); err != nil {
			return store.AsConflict(err, "oauth identity already linked")
		}
		created = u
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	log.Info().Str("provider", provider).Str("username", created.Username).Msg("provisioned user from oauth login")
	s.notifyCreated(ctx, created.ID)
	return created, nil
}

func insertUser(ctx context.Context, q store.Querier, username, password string, email *string) (*User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	u := &User{
		ID:          newUserID(),
		Username:    username,
		Email:       email,
		createdAtMs: cursor.NowMs(),
	}
	u.CreatedAt = cursor.RFC3339(u.createdAtMs)
	if _, err := q.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_2fa_enabled, is_admin, is_locked, created_at_ms)
		VALUES ($1, $2, $3, $4, FALSE, FALSE, FALSE, $5)
	`, u.ID, u.Username, u.Email, hash, u.createdAtMs); err != nil {
		return nil, store.AsConflict(err, "username or email already taken")
	}
	return u, nil
}

func deriveUsername(p OAuthProfile) string {
	candidate := p.Name
	if candidate == "" && p.Email != "" {
		candidate = strings.SplitN(p.Email, "@", 2)[0]
	}
	candidate = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, candidate)
	if len(candidate) < 3 {
		candidate = "user" + p.ProviderUserID
	}
	if len(candidate) > 40 {
		candidate = candidate[:40]
	}
	return candidate
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- drivers ---

// googleProvider implements the Google OAuth2 + userinfo flow.
type googleProvider struct {
	cfg    config.OAuthProvider
	client *http.Client
}

// NewGoogleProvider builds the Google driver.
func NewGoogleProvider(cfg config.OAuthProvider) OAuthProvider {
	return &googleProvider{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (g *googleProvider) Name() string { return "google" }

func (g *googleProvider) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":     {g.cfg.ClientID},
		"redirect_uri":  {g.cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
	}
	return "https://accounts.google.com/o/oauth2/v2/auth?" + q.Encode()
}

func (g *googleProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	return postTokenForm(ctx, g.client, "https://oauth2.googleapis.com/token", url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"redirect_uri":  {g.cfg.RedirectURI},
		"grant_type":    {"authorization_code"},
		"code":          {code},
	}, "")
}

func (g *googleProvider) FetchProfile(ctx context.Context, accessToken string) (OAuthProfile, error) {
	var body struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, g.client, "https://openidconnect.googleapis.com/v1/userinfo", accessToken, &body); err != nil {
		return OAuthProfile{}, err
	}
	return OAuthProfile{ProviderUserID: body.Sub, Email: body.Email, Name: body.Name}, nil
}

// githubProvider implements the GitHub OAuth2 + user API flow.
type githubProvider struct {
	cfg    config.OAuthProvider
	client *http.Client
}

// NewGitHubProvider builds the GitHub driver.
func NewGitHubProvider(cfg config.OAuthProvider) OAuthProvider {
	return &githubProvider{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (g *githubProvider) Name() string { return "github" }

func (g *githubProvider) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":    {g.cfg.ClientID},
		"redirect_uri": {g.cfg.RedirectURI},
		"scope":        {"read:user user:email"},
		"state":        {state},
	}
	return "https://github.com/login/oauth/authorize?" + q.Encode()
}

func (g *githubProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	return postTokenForm(ctx, g.client, "https://github.com/login/oauth/access_token", url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"redirect_uri":  {g.cfg.RedirectURI},
		"code":          {code},
	}, "application/json")
}

func (g *githubProvider) FetchProfile(ctx context.Context, accessToken string) (OAuthProfile, error) {
	var body struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, g.client, "https://api.github.com/user", accessToken, &body); err != nil {
		return OAuthProfile{}, err
	}
	name := body.Login
	if name == "" {
		name = body.Name
	}
	return OAuthProfile{ProviderUserID: strconv.FormatInt(body.ID, 10), Email: body.Email, Name: name}, nil
}

func postTokenForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, accept string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token exchange failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned no access token")
	}
	return body.AccessToken, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("profile fetch failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
