package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
)

// defaultTokenTTL matches the media relay's expected credential
// lifetime.
const defaultTokenTTL = time.Hour

// refreshMargin is how long before expiry a cached token is considered
// stale. Sessions outliving their credential get a fresh one on the next
// Token call instead of presenting an expired credential.
const refreshMargin = 10 * time.Minute

// TokenProvider issues time-limited signed credentials granting media
// relay access to one room. The credential is opaque to every consumer;
// only this provider knows how to mint or refresh it.
type TokenProvider struct {
	mu        sync.Mutex
	apiKey    string
	apiSecret string
	room      string
	identity  string
	ttl       time.Duration

	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewTokenProvider creates a provider minting credentials for the given
// room and caller identity.
func NewTokenProvider(apiKey, apiSecret, room, identity string) *TokenProvider {
	return &TokenProvider{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		room:      room,
		identity:  identity,
		ttl:       defaultTokenTTL,
		now:       time.Now,
	}
}

// Token returns a credential valid for at least the refresh margin,
// minting a fresh one when the cached credential is missing or near
// expiry.
func (p *TokenProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Add(refreshMargin).Before(p.expiresAt) {
		return p.token, nil
	}

	canPublish := true
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         p.room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at := auth.NewAccessToken(p.apiKey, p.apiSecret)
	at.AddGrant(grant).
		SetIdentity(p.identity).
		SetValidFor(p.ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("mint access token: %w", err)
	}

	p.token = token
	p.expiresAt = p.now().Add(p.ttl)
	return token, nil
}

// Invalidate discards the cached credential, forcing the next Token call
// to mint a fresh one. Called when the server rejects the credential.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}
