package api

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
)

// tokenBytes sizes issued bearer tokens; 32 bytes renders as 64 hex chars.
const tokenBytes = 32

// Authenticator checks the bootstrap admin credentials and tracks issued
// bearer tokens in memory. Tokens do not survive a restart; clients
// re-authenticate on 401.
type Authenticator struct {
	user     string
	passHash []byte
	ttl      time.Duration

	mu     sync.Mutex
	tokens map[string]time.Time
}

func NewAuthenticator(cfg config.APIConfig) *Authenticator {
	return &Authenticator{
		user:     cfg.AdminUser,
		passHash: []byte(cfg.AdminPassHash),
		ttl:      cfg.TokenTTL,
		tokens:   make(map[string]time.Time),
	}
}

// Login exchanges credentials for a fresh bearer token. Username and
// password failures are indistinguishable to the caller.
func (a *Authenticator) Login(username, password string) (token string, expiresAt time.Time, err error) {
	if username != a.user {
		// Burn a comparison anyway so the timing matches a wrong password.
		_ = bcrypt.CompareHashAndPassword(a.passHash, []byte(password))
		return "", time.Time{}, errdefs.Authentication("invalid_credentials", "username or password incorrect")
	}
	if err := bcrypt.CompareHashAndPassword(a.passHash, []byte(password)); err != nil {
		return "", time.Time{}, errdefs.Authentication("invalid_credentials", "username or password incorrect")
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, errdefs.Internal(err, "token_generation_failed", "generating bearer token")
	}
	token = hex.EncodeToString(buf)
	expiresAt = time.Now().Add(a.ttl)

	a.mu.Lock()
	a.prune()
	a.tokens[token] = expiresAt
	a.mu.Unlock()
	return token, expiresAt, nil
}

// Validate reports whether token is a live bearer token.
func (a *Authenticator) Validate(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	expires, ok := a.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(a.tokens, token)
		return false
	}
	return true
}

// Revoke invalidates a token immediately.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// prune drops expired tokens; callers hold the lock.
func (a *Authenticator) prune() {
	now := time.Now()
	for tok, expires := range a.tokens {
		if now.After(expires) {
			delete(a.tokens, tok)
		}
	}
}
