// Package auth mints and verifies the HMAC-signed bearer tokens the HTTP
// surface exchanges for scheduler identities. The scheduler itself never
// parses tokens; it consumes the verified Identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	edgemesh "github.com/edgemesh/edgemesh-go"
)

// Kind names the token classes.
type Kind string

const (
	KindAdmin     Kind = "admin"
	KindBootstrap Kind = "bootstrap"
	KindNode      Kind = "node"
	KindJob       Kind = "job"
)

// Secrets holds the per-class signing secrets. Empty secrets disable a class.
type Secrets struct {
	Admin     string
	Bootstrap string
	Node      string
	Job       string
}

// Config configures a Service.
type Config struct {
	Secrets Secrets
	// NodeTTLMs bounds node-token lifetime; zero means no expiry.
	NodeTTLMs int64
	// JobTTLMs bounds job-token lifetime; zero means no expiry.
	JobTTLMs int64
	// ReplayCacheSize bounds the job-token replay cache. Zero means 4096.
	ReplayCacheSize int
	// Clock supplies wall-time; nil means WallClock.
	Clock edgemesh.Clock
	// IDs mints token nonces; nil means UUIDMinter.
	IDs edgemesh.IDMinter
}

// Service signs and verifies tokens. Job tokens are single-use: the nonce of
// every accepted job token is remembered in a bounded cache and a second
// presentation fails with ErrTokenReplay.
type Service struct {
	cfg Config

	mu   sync.Mutex
	seen map[string]int64
}

// New creates a token Service.
func New(cfg Config) *Service {
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = edgemesh.WallClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = edgemesh.UUIDMinter{}
	}
	return &Service{cfg: cfg, seen: make(map[string]int64)}
}

// Token wire format: em1.<kind>.<subject>.<expiryMs>.<nonce>.<sig>
// where sig = base64url(HMAC-SHA256(secret, "em1.kind.subject.expiry.nonce")).
const prefix = "em1"

// MintNode issues a node token bound to the node id.
func (s *Service) MintNode(nodeID string) (string, error) {
	return s.mint(KindNode, nodeID, s.cfg.NodeTTLMs)
}

// MintJob issues a single-use job token bound to the task id.
func (s *Service) MintJob(taskID string) (string, error) {
	return s.mint(KindJob, taskID, s.cfg.JobTTLMs)
}

// MintAdmin issues an admin token.
func (s *Service) MintAdmin() (string, error) {
	return s.mint(KindAdmin, "admin", 0)
}

func (s *Service) mint(kind Kind, subject string, ttlMs int64) (string, error) {
	secret := s.secret(kind)
	if secret == "" {
		return "", fmt.Errorf("auth: no secret configured for %s tokens", kind)
	}
	var expiry int64
	if ttlMs > 0 {
		expiry = s.cfg.Clock.NowMs() + ttlMs
	}
	body := strings.Join([]string{prefix, string(kind), subject, strconv.FormatInt(expiry, 10), s.cfg.IDs.NewID()}, ".")
	return body + "." + s.sign(secret, body), nil
}

// Verify parses and checks a token, returning the scheduler identity it
// grants. Job tokens are consumed: verifying the same job token twice fails
// with ErrTokenReplay.
func (s *Service) Verify(token string) (edgemesh.Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 6 || parts[0] != prefix {
		return edgemesh.Identity{}, edgemesh.ErrTokenSignatureInvalid
	}
	kind := Kind(parts[1])
	subject := parts[2]
	expiry, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return edgemesh.Identity{}, edgemesh.ErrTokenSignatureInvalid
	}
	nonce := parts[4]

	secret := s.secret(kind)
	if secret == "" {
		return edgemesh.Identity{}, edgemesh.ErrTokenSignatureInvalid
	}
	body := strings.Join(parts[:5], ".")
	if !hmac.Equal([]byte(s.sign(secret, body)), []byte(parts[5])) {
		return edgemesh.Identity{}, edgemesh.ErrTokenSignatureInvalid
	}
	if expiry > 0 && s.cfg.Clock.NowMs() > expiry {
		return edgemesh.Identity{}, edgemesh.ErrTokenExpired
	}

	switch kind {
	case KindAdmin:
		return edgemesh.Identity{Kind: edgemesh.IdentityAdmin}, nil
	case KindBootstrap:
		return edgemesh.Identity{Kind: edgemesh.IdentityBootstrap}, nil
	case KindNode:
		return edgemesh.Identity{Kind: edgemesh.IdentityNode, NodeID: subject}, nil
	case KindJob:
		if err := s.consume(nonce, expiry); err != nil {
			return edgemesh.Identity{}, err
		}
		return edgemesh.Identity{Kind: edgemesh.IdentityProducer, TaskID: subject}, nil
	default:
		return edgemesh.Identity{}, edgemesh.ErrTokenSignatureInvalid
	}
}

// consume records a job-token nonce, rejecting replays. Expired entries are
// swept opportunistically; when the cache is still full the entry with the
// earliest expiry is evicted. Entries without an expiry all share expiry
// zero, so which of them is evicted is not defined.
func (s *Service) consume(nonce string, expiry int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[nonce]; ok {
		return edgemesh.ErrTokenReplay
	}
	now := s.cfg.Clock.NowMs()
	for n, exp := range s.seen {
		if exp > 0 && exp < now {
			delete(s.seen, n)
		}
	}
	if len(s.seen) >= s.cfg.ReplayCacheSize {
		var oldest string
		var oldestExp int64
		for n, exp := range s.seen {
			if oldest == "" || exp < oldestExp {
				oldest, oldestExp = n, exp
			}
		}
		delete(s.seen, oldest)
	}
	s.seen[nonce] = expiry
	return nil
}

func (s *Service) secret(kind Kind) string {
	switch kind {
	case KindAdmin:
		return s.cfg.Secrets.Admin
	case KindBootstrap:
		return s.cfg.Secrets.Bootstrap
	case KindNode:
		return s.cfg.Secrets.Node
	case KindJob:
		return s.cfg.Secrets.Job
	default:
		return ""
	}
}

func (s *Service) sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// MintBootstrap issues a bootstrap token for node registration.
func (s *Service) MintBootstrap() (string, error) {
	return s.mint(KindBootstrap, "bootstrap", 0)
}
