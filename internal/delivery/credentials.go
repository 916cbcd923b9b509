package delivery

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"logfanout/internal/callgroup"
	"logfanout/internal/metrics"
	"logfanout/internal/tenant"
)

// STSAPI is the subset of the STS client used for role assumption.
type STSAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Assumer obtains temporary credentials for a tenant role.
type Assumer interface {
	Assume(ctx context.Context, tenantID, roleARN string) (aws.Credentials, error)
}

// RoleAssumer assumes tenant roles through STS.
type RoleAssumer struct {
	api        STSAPI
	externalID string
	duration   time.Duration
}

var _ Assumer = (*RoleAssumer)(nil)

// NewRoleAssumer assumes roles with api. externalID is sent when non-empty;
// duration is the requested session length (0 uses the STS default).
func NewRoleAssumer(api STSAPI, externalID string, duration time.Duration) *RoleAssumer {
	return &RoleAssumer{api: api, externalID: externalID, duration: duration}
}

// CentralHop returns an STS client that acts as centralRoleARN, and the
// external ID tenants expect: the central role's account. The central
// credentials are cached and refreshed by the SDK.
func CentralHop(cfg aws.Config, base STSAPI, centralRoleARN string) (STSAPI, string, error) {
	a, err := arn.Parse(centralRoleARN)
	if err != nil {
		return nil, "", fmt.Errorf("central role arn: %w", err)
	}
	provider := stscreds.NewAssumeRoleProvider(base, centralRoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName("central", "")
	})
	hop := sts.NewFromConfig(cfg, func(o *sts.Options) {
		o.Credentials = aws.NewCredentialsCache(provider)
	})
	return hop, a.AccountID, nil
}

// Assume returns credentials for roleARN on behalf of tenantID.
func (r *RoleAssumer) Assume(ctx context.Context, tenantID, roleARN string) (aws.Credentials, error) {
	in := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName("delivery", tenantID)),
	}
	if r.externalID != "" {
		in.ExternalId = aws.String(r.externalID)
	}
	if r.duration > 0 {
		in.DurationSeconds = aws.Int32(int32(r.duration / time.Second))
	}
	out, err := r.api.AssumeRole(ctx, in)
	if err != nil {
		return aws.Credentials{}, err
	}
	c := out.Credentials
	if c == nil {
		return aws.Credentials{}, fmt.Errorf("assume role %s: response has no credentials", roleARN)
	}
	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Source:          "AssumeRole",
		CanExpire:       c.Expiration != nil,
		Expires:         aws.ToTime(c.Expiration),
	}, nil
}

var sessionNameUnsafe = regexp.MustCompile(`[^\w+=,.@-]`)

// sessionName builds a unique STS session name. STS allows at most 64
// characters from [\w+=,.@-].
func sessionName(purpose, tenantID string) string {
	id := uuid.NewString()[:8]
	name := "logfanout-" + purpose
	if tenantID != "" {
		name += "-" + sessionNameUnsafe.ReplaceAllString(tenantID, "_")
	}
	if limit := 64 - len(id) - 1; len(name) > limit {
		name = name[:limit]
	}
	return name + "-" + id
}

// session is a tenant's assumed credentials and the writer built on them.
type session struct {
	creds  aws.Credentials
	writer Writer

	mu      sync.Mutex
	ensured map[string]bool
}

func (s *session) isEnsured(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensured[path]
}

func (s *session) markEnsured(path string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.ensured[path] = true
	} else {
		delete(s.ensured, path)
	}
}

// credentialCache holds one session per tenant role and region for the
// credentials' validity window, minus skew. Concurrent misses for the same
// key share one assumption.
type credentialCache struct {
	assumer   Assumer
	newWriter WriterFactory
	cache     *ttlcache.Cache[string, *session]
	group     callgroup.Group[string, *session]
	skew      time.Duration
	maxTTL    time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

func newCredentialCache(assumer Assumer, newWriter WriterFactory, capacity uint64, maxTTL, skew, timeout time.Duration, m *metrics.Metrics) *credentialCache {
	opts := []ttlcache.Option[string, *session]{
		ttlcache.WithDisableTouchOnHit[string, *session](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *session](capacity))
	}
	return &credentialCache{
		assumer:   assumer,
		newWriter: newWriter,
		cache:     ttlcache.New(opts...),
		skew:      skew,
		maxTTL:    maxTTL,
		timeout:   timeout,
		metrics:   m,
		now:       time.Now,
	}
}

func cacheKey(dest tenant.Config) string {
	return dest.TenantID + "|" + dest.RoleARN + "|" + dest.Region
}

// get returns a live session for dest, assuming the role on a miss.
func (c *credentialCache) get(ctx context.Context, dest tenant.Config) (*session, error) {
	key := cacheKey(dest)
	if item := c.cache.Get(key); item != nil {
		c.metrics.Credential("hit")
		return item.Value(), nil
	}

	s, _, err := c.group.Do(ctx, key, func() (*session, error) {
		actx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		creds, err := c.assumer.Assume(actx, dest.TenantID, dest.RoleARN)
		if err != nil {
			c.cache.Delete(key)
			c.metrics.Credential("error")
			return nil, &AssumeRoleError{TenantID: dest.TenantID, RoleARN: dest.RoleARN, Err: err}
		}
		c.metrics.Credential("miss")
		s := &session{
			creds:   creds,
			writer:  c.newWriter(creds, dest.Region),
			ensured: make(map[string]bool),
		}
		if ttl := c.ttl(creds); ttl > 0 {
			c.cache.Set(key, s, ttl)
		}
		return s, nil
	})
	return s, err
}

func (c *credentialCache) ttl(creds aws.Credentials) time.Duration {
	ttl := c.maxTTL
	if creds.CanExpire {
		left := creds.Expires.Sub(c.now()) - c.skew
		if ttl <= 0 || left < ttl {
			ttl = left
		}
	}
	return ttl
}

func (c *credentialCache) invalidate(dest tenant.Config) {
	c.cache.Delete(cacheKey(dest))
}

func (c *credentialCache) deleteExpired() { c.cache.DeleteExpired() }

func (c *credentialCache) len() int { return c.cache.Len() }
