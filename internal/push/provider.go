package push

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/adred-codev/vanish/internal/clock"
	"github.com/golang-jwt/jwt/v5"
)

// providerTokenLifetime is how long a signed provider token is reused.
// The gateway accepts tokens up to an hour old; refreshing at 50
// minutes stays clear of the edge.
const providerTokenLifetime = 50 * time.Minute

// providerToken mints and caches the ES256 bearer token that
// authenticates this server to the vendor gateway.
type providerToken struct {
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey
	clk    clock.Clock

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

func newProviderToken(keyID, teamID, keyPath string, clk clock.Clock) (*providerToken, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := parseECPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &providerToken{keyID: keyID, teamID: teamID, key: key, clk: clk}, nil
}

func parseECPrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *ecdsa.PrivateKey", parsed)
	}
	return key, nil
}

// bearer returns a cached token, re-signing when the cached one ages
// out.
func (p *providerToken) bearer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	if p.token != "" && now.Sub(p.issuedAt) < providerTokenLifetime {
		return p.token, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.teamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = p.keyID

	signed, err := tok.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	p.token = signed
	p.issuedAt = now
	return signed, nil
}
