package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/remote"

	"github.com/golang-jwt/jwt/v5"
)

var errNotStubbed = errors.New("not stubbed")

type memStore struct {
	mu     sync.Mutex
	tokens map[uint64]*domain.Token
	stats  map[uint64]*domain.TokenStats
	admin  domain.AdminConfig
	nextID uint64
}

func newMemStore() *memStore {
	return &memStore{
		tokens: make(map[uint64]*domain.Token),
		stats:  make(map[uint64]*domain.TokenStats),
		admin:  domain.DefaultAdminConfig(),
	}
}

func (s *memStore) put(token domain.Token) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	token.ID = s.nextID
	s.tokens[token.ID] = &token
	s.stats[token.ID] = &domain.TokenStats{TokenID: token.ID}
	return token.ID
}

func (s *memStore) get(t *testing.T, id uint64) domain.Token {
	t.Helper()
	token, err := s.TokenByID(context.Background(), id)
	if err != nil {
		t.Fatalf("token %d: %v", id, err)
	}
	return token
}

func (s *memStore) TokenByID(_ context.Context, id uint64) (domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return domain.Token{}, domain.ErrTokenNotFound
	}
	return *token, nil
}

func (s *memStore) TokenByAccessToken(_ context.Context, accessToken string) (domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.AccessToken == accessToken {
			return *token, nil
		}
	}
	return domain.Token{}, domain.ErrTokenNotFound
}

func (s *memStore) CreateToken(_ context.Context, token *domain.Token) error {
	id := s.put(*token)
	token.ID = id
	return nil
}

func (s *memStore) SaveToken(_ context.Context, token *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.ID]; !ok {
		return domain.ErrTokenNotFound
	}
	copied := *token
	s.tokens[token.ID] = &copied
	return nil
}

func (s *memStore) UpdateTokenFields(_ context.Context, id uint64, u domain.TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return domain.ErrTokenNotFound
	}

	if u.IsActive != nil {
		token.IsActive = *u.IsActive
	}
	if u.IsExpired != nil {
		token.IsExpired = *u.IsExpired
	}
	if u.ExpiresAt != nil {
		token.ExpiresAt = u.ExpiresAt
	}
	if u.Email != nil {
		token.Email = *u.Email
	}
	if u.Username != nil {
		token.Username = *u.Username
	}
	if u.PhoneVerified != nil {
		token.PhoneVerified = u.PhoneVerified
	}
	if u.PlanType != nil {
		token.PlanType = *u.PlanType
	}
	if u.PlanTitle != nil {
		token.PlanTitle = *u.PlanTitle
	}
	if u.SubscriptionEnd != nil {
		token.SubscriptionEnd = u.SubscriptionEnd
	}
	if u.QuotaSupported != nil {
		token.QuotaSupported = *u.QuotaSupported
	}
	if u.InviteCode != nil {
		token.InviteCode = *u.InviteCode
	}
	if u.RedeemedCount != nil {
		token.RedeemedCount = *u.RedeemedCount
	}
	if u.TotalCount != nil {
		token.TotalCount = *u.TotalCount
	}
	if u.RemainingCount != nil {
		token.RemainingCount = *u.RemainingCount
	}
	if u.ClearCooldown {
		token.CooldownUntil = nil
	} else if u.CooldownUntil != nil {
		token.CooldownUntil = u.CooldownUntil
	}
	return nil
}

func (s *memStore) DeleteToken(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	delete(s.stats, id)
	return nil
}

func (s *memStore) ActiveTokens(context.Context) ([]domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Token
	for _, token := range s.tokens {
		if token.IsActive {
			out = append(out, *token)
		}
	}
	return out, nil
}

func (s *memStore) AllTokens(context.Context) ([]domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Token
	for _, token := range s.tokens {
		out = append(out, *token)
	}
	return out, nil
}

func (s *memStore) TokenStats(_ context.Context, id uint64) (domain.TokenStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[id]
	if !ok {
		return domain.TokenStats{}, domain.ErrTokenNotFound
	}
	return *stats, nil
}

func (s *memStore) IncrementUsage(_ context.Context, id uint64, video bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if video {
		s.stats[id].VideoCount++
	} else {
		s.stats[id].ImageCount++
	}
	return nil
}

func (s *memStore) RecordError(_ context.Context, id uint64, consecutive bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats[id]
	stats.ErrorCount++
	if consecutive {
		stats.ConsecutiveErrorCount++
	}
	return stats.ConsecutiveErrorCount, nil
}

func (s *memStore) ResetErrors(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[id].ConsecutiveErrorCount = 0
	return nil
}

func (s *memStore) AdminConfig(context.Context) (domain.AdminConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin, nil
}

// fakeAPI answers with the stubbed functions. Unstubbed calls fail, except
// Invite which reports the feature as unsupported.
type fakeAPI struct {
	me           func(at string) (remote.UserInfo, error)
	subscription func(at string) (remote.Subscription, error)
	invite       func(at string) (remote.InviteStatus, error)
	quota        func(at string) (remote.Quota, error)
	available    func(username string) (bool, error)
	setUsername  func(username string) error
	accept       func(code string) (remote.InviteAcceptance, error)
	session      func(st string) (remote.SessionExchange, error)
	refresh      func(rt, clientID string) (remote.RefreshExchange, error)

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeAPI) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeAPI) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) Me(_ context.Context, at, _ string) (remote.UserInfo, error) {
	f.count("me")
	if f.me == nil {
		return remote.UserInfo{}, errNotStubbed
	}
	return f.me(at)
}

func (f *fakeAPI) Subscription(_ context.Context, at, _ string) (remote.Subscription, error) {
	f.count("subscription")
	if f.subscription == nil {
		return remote.Subscription{}, errNotStubbed
	}
	return f.subscription(at)
}

func (f *fakeAPI) Invite(_ context.Context, at, _ string) (remote.InviteStatus, error) {
	f.count("invite")
	if f.invite == nil {
		return remote.InviteStatus{}, nil
	}
	return f.invite(at)
}

func (f *fakeAPI) Quota(_ context.Context, at, _ string) (remote.Quota, error) {
	f.count("quota")
	if f.quota == nil {
		return remote.Quota{}, errNotStubbed
	}
	return f.quota(at)
}

func (f *fakeAPI) UsernameAvailable(_ context.Context, _, _, username string) (bool, error) {
	f.count("available")
	if f.available == nil {
		return false, errNotStubbed
	}
	return f.available(username)
}

func (f *fakeAPI) SetUsername(_ context.Context, _, _, username string) error {
	f.count("set_username")
	if f.setUsername == nil {
		return errNotStubbed
	}
	return f.setUsername(username)
}

func (f *fakeAPI) AcceptInvite(_ context.Context, _, _, code string) (remote.InviteAcceptance, error) {
	f.count("accept")
	if f.accept == nil {
		return remote.InviteAcceptance{}, errNotStubbed
	}
	return f.accept(code)
}

func (f *fakeAPI) ExchangeSession(_ context.Context, st, _ string) (remote.SessionExchange, error) {
	f.count("session")
	if f.session == nil {
		return remote.SessionExchange{}, errNotStubbed
	}
	return f.session(st)
}

func (f *fakeAPI) ExchangeRefresh(_ context.Context, rt, clientID, _ string) (remote.RefreshExchange, error) {
	f.count("refresh")
	if f.refresh == nil {
		return remote.RefreshExchange{}, errNotStubbed
	}
	return f.refresh(rt, clientID)
}

type recordingRouter struct {
	mu        sync.Mutex
	proxy     string
	successes int
	failures  int
}

func (r *recordingRouter) ProxyFor(_ context.Context, _ uint64, explicitURL string) string {
	if explicitURL != "" {
		return explicitURL
	}
	return r.proxy
}

func (r *recordingRouter) ReportSuccess(context.Context, uint64, time.Duration) {
	r.mu.Lock()
	r.successes++
	r.mu.Unlock()
}

func (r *recordingRouter) ReportFailure(context.Context, uint64) (string, bool) {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
	return "socks5://10.0.0.9:1080", true
}

type fixedNames struct{}

func (fixedNames) NamePair() (string, string) {
	return "Ada", "Lovelace"
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(store *memStore, api *fakeAPI, router ProxyRouter) *Manager {
	m := NewManager(store, api, router, Options{Names: fixedNames{}})
	m.now = func() time.Time { return testNow }
	return m
}

// accessToken builds a JWT expiring at exp with an optional email hint.
func accessToken(t *testing.T, exp time.Time, email string) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": exp.Unix(), "sub": fmt.Sprintf("user-%d", exp.Unix())}
	if email != "" {
		claims["https://api.openai.com/profile"] = map[string]any{"email": email}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func accessTokenWithoutExpiry(t *testing.T) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-no-exp"}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func invalidated(op string) error {
	return &remote.Error{Kind: remote.KindCredentialInvalidated, Op: op, StatusCode: 401, Code: "token_invalidated"}
}

func regionBlocked(op string) error {
	return &remote.Error{Kind: remote.KindRegionUnsupported, Op: op, StatusCode: 403, Code: "unsupported_country_code", Param: "CN"}
}

func transportFailure(op string) error {
	return &remote.Error{Kind: remote.KindTransport, Op: op, Err: errors.New("connection reset")}
}
