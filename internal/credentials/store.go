// Package credentials provides the default authenticate(user, pass)
// collaborator: a flat-file username:password reader, and a TTL cache in
// front of it so a peer reconnecting within the cache window does not
// re-hit the file.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"teavpn2/internal/protocol"
)

// ErrNotFound is returned by Authenticate when credentials are rejected.
var ErrNotFound = errors.New("credentials: rejected")

// Authenticator is the opaque collaborator the peer state machine calls
// on CLI_AUTH. It resolves valid credentials to the iface assignment the
// peer is to receive in SRV_AUTH_OK.
type Authenticator interface {
	Authenticate(username, password string) (protocol.IfaceConfig, error)
}

// FileStore authenticates against a flat `username:password` file, one
// entry per line, loaded once at construction.
type FileStore struct {
	creds map[string]string
	iface protocol.IfaceConfig
}

// NewFileStore loads path and binds every successful authentication to
// iface, the single interface assignment this server hands out (the
// source does not support per-user address pools).
func NewFileStore(path string, iface protocol.IfaceConfig) (*FileStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("credentials: open %s: %w", path, err)
	}
	defer f.Close()

	creds := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, pass, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("credentials: %s: malformed line %q", path, line)
		}
		creds[user] = pass
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	return &FileStore{creds: creds, iface: iface}, nil
}

// Authenticate reports ErrNotFound on any mismatch, never distinguishing
// unknown user from wrong password.
func (s *FileStore) Authenticate(username, password string) (protocol.IfaceConfig, error) {
	want, ok := s.creds[username]
	if !ok || want != password {
		return protocol.IfaceConfig{}, ErrNotFound
	}
	return s.iface, nil
}

// CachedAuthenticator wraps an Authenticator with a TTL cache keyed by
// "user\x00pass", so a peer reconnecting inside the window skips the
// underlying lookup entirely.
type CachedAuthenticator struct {
	next  Authenticator
	cache *cache.Cache
}

type cachedResult struct {
	iface protocol.IfaceConfig
	err   error
}

// NewCachedAuthenticator wraps next with a cache of the given ttl, swept
// every cleanupInterval.
func NewCachedAuthenticator(next Authenticator, ttl, cleanupInterval time.Duration) *CachedAuthenticator {
	return &CachedAuthenticator{
		next:  next,
		cache: cache.New(ttl, cleanupInterval),
	}
}

func (c *CachedAuthenticator) Authenticate(username, password string) (protocol.IfaceConfig, error) {
	key := username + "\x00" + password
	if v, ok := c.cache.Get(key); ok {
		r := v.(cachedResult)
		return r.iface, r.err
	}
	iface, err := c.next.Authenticate(username, password)
	c.cache.SetDefault(key, cachedResult{iface: iface, err: err})
	return iface, err
}
