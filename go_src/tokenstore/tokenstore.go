package tokenstore

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	tokenFileName = "token.json.enc"
	saltFileName  = "secret.salt"

	// skew is subtracted from a cached token's expiry so a request started
	// just before the real deadline doesn't race the identity provider.
	skew = 30 * time.Second
)

// FetchFunc performs the actual exchange with whatever identity provider
// the host application uses, returning a fresh token and its expiry.
type FetchFunc func(ctx context.Context) (token string, exp time.Time, err error)

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CachedProvider wraps a FetchFunc with an encrypted on-disk cache, so a
// process restart reuses a still-valid token instead of fetching a new one.
type CachedProvider struct {
	mu sync.Mutex

	fetch        FetchFunc
	tokenPath    string
	aead         cipher.AEAD
	now          func() time.Time
	lastObserved cachedToken
}

// NewCachedProvider builds a CachedProvider that persists its cache under
// dir, encrypted with a key derived from passphrase.
func NewCachedProvider(fetch FetchFunc, dir string, passphrase string) (*CachedProvider, error) {
	if fetch == nil {
		return nil, fmt.Errorf("tokenstore: fetch function cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("tokenstore: dir cannot be empty")
	}

	saltPath := filepath.Join(dir, saltFileName)
	aead, err := newCipher(passphrase, saltPath)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: failed to initialize cipher: %w", err)
	}

	return &CachedProvider{
		fetch:     fetch,
		tokenPath: filepath.Join(dir, tokenFileName),
		aead:      aead,
		now:       time.Now,
	}, nil
}

// FetchToken satisfies session.TokenProvider: it returns a cached token
// still valid past the skew buffer, or fetches, caches, and returns a fresh
// one otherwise.
func (p *CachedProvider) FetchToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tok, ok := p.readCache(); ok && p.now().Before(tok.ExpiresAt.Add(-skew)) {
		return tok.AccessToken, nil
	}

	token, exp, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	tok := cachedToken{AccessToken: token, ExpiresAt: exp}
	p.writeCache(tok) // best-effort; a failed cache write never fails the fetch
	return token, nil
}

// readCache loads and decrypts the on-disk token. Any failure — missing
// file, decrypt failure, malformed JSON — is treated as a cache miss, never
// a fatal error.
func (p *CachedProvider) readCache() (cachedToken, bool) {
	raw, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return cachedToken{}, false
	}

	plaintext, err := decrypt(p.aead, raw)
	if err != nil {
		return cachedToken{}, false
	}

	var tok cachedToken
	if err := json.Unmarshal(plaintext, &tok); err != nil {
		return cachedToken{}, false
	}

	p.lastObserved = tok
	return tok, true
}

func (p *CachedProvider) writeCache(tok cachedToken) {
	plaintext, err := json.Marshal(tok)
	if err != nil {
		return
	}
	ciphertext, err := encrypt(p.aead, plaintext)
	if err != nil {
		return
	}
	if err := ensureDirExists(p.tokenPath); err != nil {
		return
	}
	_ = os.WriteFile(p.tokenPath, ciphertext, 0600)
	p.lastObserved = tok
}
