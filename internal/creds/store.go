// Package creds persists and refreshes per-provider credentials: long-lived
// bearer tokens harvested from browser sessions, cookie jars, and HMAC key
// pairs. Tokens live on disk next to the process and are mirrored to the blob
// store so a lost disk does not force another interactive login.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNeedsInteractive is returned when refreshing a credential requires a
// human-driven browser login. The caller must fail the current extraction and
// raise an alarm; it must never silently stall waiting for a token.
var ErrNeedsInteractive = errors.New("credential refresh requires interactive login")

// Credential is one provider's token material.
type Credential struct {
	Provider             string          `json:"-"`
	Token                string          `json:"token"`
	Cookies              json.RawMessage `json:"cookies,omitempty"`
	Updated              time.Time       `json:"updated"`
	ValidDays            int             `json:"valid_days,omitempty"`
	RefreshThresholdDays int             `json:"refresh_threshold_days,omitempty"`
	LastUsed             time.Time       `json:"last_used,omitempty"`
}

// Stale reports whether the credential has entered its refresh window:
// now - updated >= valid_days - refresh_threshold_days.
// Credentials without a TTL (valid_days == 0) never go stale.
func (c Credential) Stale(now time.Time) bool {
	if c.ValidDays <= 0 {
		return false
	}
	deadline := time.Duration(c.ValidDays-c.RefreshThresholdDays) * 24 * time.Hour
	return now.Sub(c.Updated) >= deadline
}

// Refresher renews one provider's credential non-interactively. It returns
// ErrNeedsInteractive when only a human can re-acquire the material.
type Refresher interface {
	Refresh(ctx context.Context, current Credential) (Credential, error)
}

// BearerCapturer is the browser-session driver: load saved cookies, navigate
// to a data page, and capture the first outgoing Authorization bearer.
// Production backs this with a headless browser or an XHR replay; tests stub it.
type BearerCapturer interface {
	CaptureBearer(ctx context.Context, hint Credential) (Credential, error)
}

// Mirror receives disaster-recovery copies of saved credential files.
type Mirror interface {
	PutCredential(ctx context.Context, provider, filename string, data []byte) error
}

// Store maintains one credential record per provider.
type Store struct {
	dir        string
	mirror     Mirror // may be nil
	refreshers map[string]Refresher
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // one refresh at a time per provider
}

// NewStore builds a Store rooted at dir. mirror may be nil (no DR copies).
func NewStore(dir string, mirror Mirror) *Store {
	return &Store{
		dir:        dir,
		mirror:     mirror,
		refreshers: make(map[string]Refresher),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// RegisterRefresher installs the non-interactive refresh flow for a provider.
func (s *Store) RegisterRefresher(provider string, r Refresher) {
	s.refreshers[provider] = r
}

func (s *Store) providerLock(provider string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[provider] == nil {
		s.locks[provider] = &sync.Mutex{}
	}
	return s.locks[provider]
}

func (s *Store) tokenPath(provider string) string {
	return filepath.Join(s.dir, provider+"_token.json")
}

func (s *Store) cookiePath(provider string) string {
	return filepath.Join(s.dir, provider+"_cookies.json")
}

// Get returns a usable credential for the provider, refreshing first when the
// stored one is stale. Callers receiving ErrNeedsInteractive must fail their
// extraction.
func (s *Store) Get(ctx context.Context, provider string) (Credential, error) {
	lock := s.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.load(provider)
	if err != nil {
		return Credential{}, err
	}

	if !cred.Stale(s.now()) {
		return cred, nil
	}

	r, ok := s.refreshers[provider]
	if !ok {
		return Credential{}, fmt.Errorf("credential for %s is stale and no refresher is registered: %w",
			provider, ErrNeedsInteractive)
	}

	log.Printf("[creds] %s credential stale (updated %s), refreshing", provider, cred.Updated.Format(time.RFC3339))
	fresh, err := r.Refresh(ctx, cred)
	if err != nil {
		return Credential{}, fmt.Errorf("refresh %s: %w", provider, err)
	}
	fresh.Provider = provider
	if fresh.Updated.IsZero() {
		fresh.Updated = s.now()
	}
	if err := s.saveLocked(ctx, provider, fresh); err != nil {
		return Credential{}, err
	}
	return fresh, nil
}

// ForceRefresh renews the provider's credential regardless of staleness.
// Used after an upstream rejects a token that our clock still considers valid.
func (s *Store) ForceRefresh(ctx context.Context, provider string) (Credential, error) {
	lock := s.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	r, ok := s.refreshers[provider]
	if !ok {
		return Credential{}, fmt.Errorf("no refresher for %s: %w", provider, ErrNeedsInteractive)
	}

	current, err := s.load(provider)
	if err != nil && !errors.Is(err, ErrNeedsInteractive) {
		return Credential{}, err
	}

	fresh, err := r.Refresh(ctx, current)
	if err != nil {
		return Credential{}, fmt.Errorf("force refresh %s: %w", provider, err)
	}
	fresh.Provider = provider
	if fresh.Updated.IsZero() {
		fresh.Updated = s.now()
	}
	if err := s.saveLocked(ctx, provider, fresh); err != nil {
		return Credential{}, err
	}
	return fresh, nil
}

// Save atomically replaces the provider's credential files and mirrors them
// to the blob store.
func (s *Store) Save(ctx context.Context, provider string, cred Credential) error {
	lock := s.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(ctx, provider, cred)
}

func (s *Store) saveLocked(ctx context.Context, provider string, cred Credential) error {
	cred.Provider = provider
	if cred.Updated.IsZero() {
		cred.Updated = s.now()
	}

	tokenDoc := struct {
		Token                string    `json:"token"`
		Updated              time.Time `json:"updated"`
		ValidDays            int       `json:"valid_days,omitempty"`
		RefreshThresholdDays int       `json:"refresh_threshold_days,omitempty"`
		LastUsed             time.Time `json:"last_used,omitempty"`
	}{cred.Token, cred.Updated, cred.ValidDays, cred.RefreshThresholdDays, cred.LastUsed}

	data, err := json.MarshalIndent(tokenDoc, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.tokenPath(provider), data); err != nil {
		return fmt.Errorf("save %s token: %w", provider, err)
	}

	var cookieData []byte
	if len(cred.Cookies) > 0 {
		cookieData = append([]byte(nil), cred.Cookies...)
		if err := writeFileAtomic(s.cookiePath(provider), cookieData); err != nil {
			return fmt.Errorf("save %s cookies: %w", provider, err)
		}
	}

	// Mirror best-effort: a failed copy must not lose the local save.
	if s.mirror != nil {
		if err := s.mirror.PutCredential(ctx, provider, provider+"_token.json", data); err != nil {
			log.Printf("[creds] mirror %s token failed: %v", provider, err)
		}
		if len(cookieData) > 0 {
			if err := s.mirror.PutCredential(ctx, provider, provider+"_cookies.json", cookieData); err != nil {
				log.Printf("[creds] mirror %s cookies failed: %v", provider, err)
			}
		}
	}
	return nil
}

// MarkUsed stamps the credential's last-used time. Observability only;
// failures are swallowed.
func (s *Store) MarkUsed(provider string) {
	lock := s.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.load(provider)
	if err != nil {
		return
	}
	cred.LastUsed = s.now()
	_ = s.saveLocked(context.Background(), provider, cred)
}

func (s *Store) load(provider string) (Credential, error) {
	data, err := os.ReadFile(s.tokenPath(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, fmt.Errorf("no stored credential for %s: %w", provider, ErrNeedsInteractive)
		}
		return Credential{}, err
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("corrupt credential file for %s: %w", provider, err)
	}
	cred.Provider = provider

	if cookieData, err := os.ReadFile(s.cookiePath(provider)); err == nil {
		cred.Cookies = cookieData
	}
	return cred, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
