package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/models"
	"incident-dispatch-go/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.startGlobalTimeCache.func1"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeRepo struct {
	mu        sync.Mutex
	users     map[int]models.User
	prefs     map[int]models.NotificationPreferences
	agencies  map[int][]int
	roles     map[models.Role][]int
	saved     []models.Notification
	read      map[string]bool
	failSave  map[int]bool
	failUsers bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[int]models.User),
		prefs:    make(map[int]models.NotificationPreferences),
		agencies: make(map[int][]int),
		roles:    make(map[models.Role][]int),
		read:     make(map[string]bool),
		failSave: make(map[int]bool),
	}
}

func (r *fakeRepo) CreateNotification(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave[n.UserID] {
		return errors.New("disk full")
	}
	r.saved = append(r.saved, n)
	return nil
}

func (r *fakeRepo) GetRecipient(_ context.Context, userID int) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUsers {
		return models.User{}, errors.New("db down")
	}
	u, ok := r.users[userID]
	if !ok {
		return models.User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, nil
}

func (r *fakeRepo) GetPreferences(_ context.Context, userID int) (models.NotificationPreferences, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[userID]
	return p, ok, nil
}

func (r *fakeRepo) AgencyMemberIDs(_ context.Context, agencyID int) ([]int, error) {
	return r.agencies[agencyID], nil
}

func (r *fakeRepo) RoleMemberIDs(_ context.Context, role models.Role) ([]int, error) {
	return r.roles[role], nil
}

func (r *fakeRepo) MarkAsRead(_ context.Context, id string, userID int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.saved {
		if n.ID == id && n.UserID == userID {
			r.read[id] = true
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) MarkAllAsRead(_ context.Context, userID int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.saved {
		if n.UserID == userID && !r.read[n.ID] {
			r.read[n.ID] = true
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) ListNotifications(_ context.Context, userID int, unreadOnly bool, limit int) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.saved {
		if n.UserID != userID || (unreadOnly && r.read[n.ID]) {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) CountUnread(_ context.Context, userID int) (int, error) {
	list, _ := r.ListNotifications(context.Background(), userID, true, 1000)
	return len(list), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	p.messages[channel] = append(p.messages[channel], payload)
	return nil
}

func (p *fakePublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[channel])
}

type fakePush struct {
	mu    sync.Mutex
	users []int
	err   error
}

func (f *fakePush) SendPush(_ context.Context, userID int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return f.err
}

type sentSMS struct{ to, text string }

type fakeSMS struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

func (f *fakeSMS) SendSMS(_ context.Context, to, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSMS{to, message})
	return f.err
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Check(context.Context, ratelimit.Surface, string) (ratelimit.Result, error) {
	d.calls++
	return ratelimit.Result{Allowed: false, RetryAfter: 3600}, nil
}

// at returns a clock fixed at hh:mm on an arbitrary day in UTC.
func at(hh, mm int) func() time.Time {
	t := time.Date(2024, 3, 14, hh, mm, 0, 0, time.UTC)
	return func() time.Time { return t }
}

type fixture struct {
	repo *fakeRepo
	pub  *fakePublisher
	push *fakePush
	sms  *fakeSMS
	svc  *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo: newFakeRepo(),
		pub:  &fakePublisher{},
		push: &fakePush{},
		sms:  &fakeSMS{},
	}
	base := []Option{
		WithPush(f.push),
		WithSMS(f.sms),
		WithLocation(time.UTC),
		WithClock(at(12, 0)),
	}
	f.svc = NewService(f.repo, f.pub, append(base, opts...)...)
	return f
}

func allChannels(userID int, start, end string) models.NotificationPreferences {
	p := models.DefaultPreferences(userID)
	p.Push = true
	p.SMS = true
	p.QuietHoursStart = start
	p.QuietHoursEnd = end
	return p
}

func TestInQuietHours(t *testing.T) {
	tests := []struct {
		start, end string
		hh, mm     int
		want       bool
	}{
		{"22:00", "06:00", 23, 30, true},
		{"22:00", "06:00", 3, 0, true},
		{"22:00", "06:00", 6, 0, true},
		{"22:00", "06:00", 6, 1, false},
		{"22:00", "06:00", 12, 0, false},
		{"22:00", "06:00", 22, 0, true},
		{"09:00", "17:00", 9, 0, true},
		{"09:00", "17:00", 17, 0, true},
		{"09:00", "17:00", 17, 1, false},
		{"", "06:00", 3, 0, false},
		{"25:00", "06:00", 3, 0, false},
		{"bogus", "06:00", 3, 0, false},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s-%s@%02d:%02d", tt.start, tt.end, tt.hh, tt.mm)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, InQuietHours(tt.start, tt.end, at(tt.hh, tt.mm)()))
		})
	}
}

func TestQuietHoursSuppressNormalPriority(t *testing.T) {
	f := newFixture(t, WithClock(at(23, 30)))
	f.repo.users[1] = models.User{ID: 1, Phone: "0241234567"}
	f.repo.prefs[1] = allChannels(1, "22:00", "06:00")

	n, err := f.svc.CreateNotification(context.Background(), 1, models.NotificationData{
		Type:     models.TypeIncidentReported,
		Title:    "Fire reported",
		Priority: models.PriorityNormal,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)

	assert.Len(t, f.repo.saved, 1, "record is kept for later retrieval")
	assert.Zero(t, f.pub.count(UserChannel(1)))
	assert.Empty(t, f.push.users)
	assert.Empty(t, f.sms.sent)
}

func TestQuietHoursCriticalBypass(t *testing.T) {
	f := newFixture(t, WithClock(at(23, 30)))
	f.repo.users[1] = models.User{ID: 1, Phone: "0241234567"}
	prefs := allChannels(1, "22:00", "06:00")
	prefs.Push = false
	f.repo.prefs[1] = prefs

	_, err := f.svc.CreateNotification(context.Background(), 1, models.NotificationData{
		Type:     models.TypeIncidentReported,
		Title:    "Flood",
		Message:  "Evacuate now",
		Priority: models.PriorityCritical,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.pub.count(UserChannel(1)))
	require.Len(t, f.sms.sent, 1)
	assert.Equal(t, "+233241234567", f.sms.sent[0].to)
	assert.Equal(t, "Flood: Evacuate now", f.sms.sent[0].text)
}

func TestSendToUserRealtimeEvent(t *testing.T) {
	f := newFixture(t)
	f.repo.users[7] = models.User{ID: 7}

	n, err := f.svc.CreateNotification(context.Background(), 7, models.NotificationData{
		Type:              models.TypeDispatchAssignment,
		Title:             "New assignment",
		RelatedEntityType: "dispatch",
		RelatedEntityID:   "d-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, n.Priority)

	require.Equal(t, 1, f.pub.count("user-7"))
	var ev struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(f.pub.messages["user-7"][0], &ev))
	assert.Equal(t, EventCreated, ev.Event)
	assert.Equal(t, n.ID, ev.Data["id"])
	assert.Equal(t, "DISPATCH_ASSIGNMENT", ev.Data["type"])
	assert.Equal(t, false, ev.Data["isRead"])
	assert.Equal(t, "d-1", ev.Data["relatedEntityId"])
}

func TestDefaultPreferencesInAppOnly(t *testing.T) {
	f := newFixture(t)
	f.repo.users[2] = models.User{ID: 2, Phone: "0200000000"}

	d, err := f.svc.SendToUser(context.Background(), 2, models.Notification{
		ID: "n1", Type: models.TypeSystemAlert, Title: "x", Priority: models.PriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, Delivery{InApp: true}, d)
	assert.Empty(t, f.push.users)
	assert.Empty(t, f.sms.sent)
}

func TestTypeDisabled(t *testing.T) {
	f := newFixture(t)
	f.repo.users[3] = models.User{ID: 3}
	prefs := allChannels(3, "", "")
	prefs.EnabledTypes = []models.NotificationType{models.TypeIncidentResolved}
	f.repo.prefs[3] = prefs

	d, err := f.svc.SendToUser(context.Background(), 3, models.Notification{
		ID: "n1", Type: models.TypeStatusUpdate, Title: "x", Priority: models.PriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, SkipTypeDisabled, d.Skipped)
	assert.Zero(t, f.pub.count(UserChannel(3)))
}

func TestSMSOnlyForUrgent(t *testing.T) {
	f := newFixture(t)
	f.repo.users[4] = models.User{ID: 4, Phone: "0240000000"}
	f.repo.prefs[4] = allChannels(4, "", "")

	d, err := f.svc.SendToUser(context.Background(), 4, models.Notification{
		ID: "n1", Type: models.TypeStatusUpdate, Title: "x", Priority: models.PriorityNormal,
	})
	require.NoError(t, err)
	assert.True(t, d.InApp)
	assert.True(t, d.Push)
	assert.False(t, d.SMS)
	assert.Empty(t, f.sms.sent)
}

func TestSMSRequiresPhone(t *testing.T) {
	f := newFixture(t)
	f.repo.users[4] = models.User{ID: 4}
	f.repo.prefs[4] = allChannels(4, "", "")

	d, err := f.svc.SendToUser(context.Background(), 4, models.Notification{
		ID: "n1", Type: models.TypeStatusUpdate, Title: "x", Priority: models.PriorityHigh,
	})
	require.NoError(t, err)
	assert.False(t, d.SMS)
	assert.Empty(t, f.sms.sent)
}

func TestChannelFailuresIsolated(t *testing.T) {
	f := newFixture(t)
	f.push.err = errors.New("push service down")
	f.sms.err = apperr.New(apperr.Gateway, "gateway 503")
	f.repo.users[5] = models.User{ID: 5, Phone: "0240000000"}
	f.repo.prefs[5] = allChannels(5, "", "")

	d, err := f.svc.SendToUser(context.Background(), 5, models.Notification{
		ID: "n1", Type: models.TypeStatusUpdate, Title: "x", Priority: models.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, Delivery{InApp: true}, d)
	assert.Len(t, f.push.users, 1)
	assert.Len(t, f.sms.sent, 1)
}

func TestInAppFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("redis down")
	f.repo.users[5] = models.User{ID: 5}

	_, err := f.svc.SendToUser(context.Background(), 5, models.Notification{
		ID: "n1", Type: models.TypeStatusUpdate, Title: "x",
	})
	require.Error(t, err)
}

func TestSMSRateLimited(t *testing.T) {
	lim := &denyLimiter{}
	f := newFixture(t, WithRateLimiter(lim))
	f.repo.users[6] = models.User{ID: 6, Phone: "0240000000"}
	f.repo.prefs[6] = allChannels(6, "", "")

	d, err := f.svc.SendToUser(context.Background(), 6, models.Notification{
		ID: "n1", Type: models.TypeSystemAlert, Title: "x", Priority: models.PriorityCritical,
	})
	require.NoError(t, err)
	assert.True(t, d.InApp)
	assert.False(t, d.SMS)
	assert.Equal(t, 1, lim.calls)
	assert.Empty(t, f.sms.sent)
}

func TestSMSLimiterWithRealBudget(t *testing.T) {
	store := ratelimit.NewMemoryStore(time.Minute)
	lim := ratelimit.New(store, map[ratelimit.Surface]ratelimit.Rule{
		ratelimit.SurfaceSMS: {Max: 2, Window: time.Hour, KeyBy: ratelimit.KeyByGlobal},
	})
	t.Cleanup(func() { lim.Close() })

	f := newFixture(t, WithRateLimiter(lim))
	for id := 1; id <= 3; id++ {
		f.repo.users[id] = models.User{ID: id, Phone: "0240000000"}
		f.repo.prefs[id] = allChannels(id, "", "")
	}
	res := f.svc.SendBulk(context.Background(), []int{1, 2, 3}, models.NotificationData{
		Type: models.TypeSystemAlert, Title: "Storm", Priority: models.PriorityHigh,
	})
	assert.Equal(t, 3, res.Sent)
	assert.Len(t, f.sms.sent, 2)
}

func TestFormatSMS(t *testing.T) {
	assert.Equal(t, "Fire: Building A", FormatSMS("Fire", "Building A"))
	assert.Equal(t, "only message", FormatSMS("", "only message"))

	long := FormatSMS("Alert", strings.Repeat("a", 300))
	assert.Equal(t, SMSMaxLength, utf8.RuneCountInString(long))
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.True(t, strings.HasPrefix(long, "Alert: aaa"))

	exact := strings.Repeat("b", SMSMaxLength)
	assert.Equal(t, exact, FormatSMS("", exact))

	multi := FormatSMS("", strings.Repeat("é", 200))
	assert.Equal(t, SMSMaxLength, utf8.RuneCountInString(multi))
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"0241234567":       "+233241234567",
		"024 123 4567":     "+233241234567",
		"233241234567":     "+233241234567",
		"+233241234567":    "+233241234567",
		"+1 (555) 010-999": "+1555010999",
		"":                 "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestSendBulkIsolatesFailures(t *testing.T) {
	f := newFixture(t, WithBulkConcurrency(2))
	for _, id := range []int{1, 2, 3, 4} {
		f.repo.users[id] = models.User{ID: id}
	}
	f.repo.failSave[2] = true

	res := f.svc.SendBulk(context.Background(), []int{1, 2, 3, 4, 99}, models.NotificationData{
		Type: models.TypeIncidentReported, Title: "Crash on N1",
	})
	assert.Equal(t, 3, res.Sent)
	require.Len(t, res.Failed, 2)
	assert.True(t, apperr.Is(res.Failed[2], apperr.Storage))
	assert.Contains(t, res.Failed, 99)
	for _, id := range []int{1, 3, 4} {
		assert.Equal(t, 1, f.pub.count(UserChannel(id)))
	}
}

func TestSendToAgencyPublishesAgencyChannel(t *testing.T) {
	f := newFixture(t)
	f.repo.users[1] = models.User{ID: 1, AgencyID: 9}
	f.repo.users[2] = models.User{ID: 2, AgencyID: 9}
	f.repo.agencies[9] = []int{1, 2}

	res, err := f.svc.SendToAgency(context.Background(), 9, models.NotificationData{
		Type: models.TypeIncidentReported, Title: "Incident in your district",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, f.pub.count("agency-9"))
	assert.Equal(t, 1, f.pub.count("user-1"))
	assert.Equal(t, 1, f.pub.count("user-2"))

	var announce map[string]map[string]any
	require.NoError(t, json.Unmarshal(f.pub.messages["agency-9"][0], &announce))
	assert.NotContains(t, announce["data"], "id", "agency announcements match no stored notification")
	assert.Equal(t, "Incident in your district", announce["data"]["title"])

	var own map[string]map[string]any
	require.NoError(t, json.Unmarshal(f.pub.messages["user-1"][0], &own))
	assert.NotEmpty(t, own["data"]["id"])
}

func TestSendToRole(t *testing.T) {
	f := newFixture(t)
	f.repo.users[1] = models.User{ID: 1, Role: models.RoleDispatcher}
	f.repo.roles[models.RoleDispatcher] = []int{1}

	res, err := f.svc.SendToRole(context.Background(), models.RoleDispatcher, models.NotificationData{
		Type: models.TypeSystemAlert, Title: "Shift change",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestCreateNotificationValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateNotification(context.Background(), 1, models.NotificationData{Title: "no type"})
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.Empty(t, f.repo.saved)
}

func TestMarkAsRead(t *testing.T) {
	f := newFixture(t)
	f.repo.users[1] = models.User{ID: 1}
	ctx := context.Background()

	n, err := f.svc.CreateNotification(ctx, 1, models.NotificationData{Type: models.TypeSystemAlert, Title: "a"})
	require.NoError(t, err)
	_, err = f.svc.CreateNotification(ctx, 1, models.NotificationData{Type: models.TypeSystemAlert, Title: "b"})
	require.NoError(t, err)

	count, err := f.svc.UnreadCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	err = f.svc.MarkAsRead(ctx, n.ID, 2)
	assert.True(t, apperr.Is(err, apperr.NotFound), "other users cannot mark it")
	err = f.svc.MarkAsRead(ctx, "missing", 1)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	require.NoError(t, f.svc.MarkAsRead(ctx, n.ID, 1))
	unread, err := f.svc.List(ctx, 1, true, 0)
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	updated, err := f.svc.MarkAllAsRead(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)
	updated, err = f.svc.MarkAllAsRead(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, updated)
}

type memorySubs struct {
	subs    []models.PushSubscription
	deleted []string
}

func (m *memorySubs) GetPushSubscriptions(context.Context, int) ([]models.PushSubscription, error) {
	return m.subs, nil
}

func (m *memorySubs) DeletePushSubscription(_ context.Context, endpoint string) error {
	m.deleted = append(m.deleted, endpoint)
	return nil
}

func TestWebPushSenderRemovesExpired(t *testing.T) {
	subs := &memorySubs{subs: []models.PushSubscription{
		{Endpoint: "https://push.example/ok"},
		{Endpoint: "https://push.example/gone"},
		{Endpoint: "https://push.example/broken"},
		{Endpoint: "https://push.example/err"},
	}}
	sender := NewWebPushSender(subs, VAPIDKeys{Public: "pub", Private: "priv", Subject: "mailto:ops@example.com"}, nil)

	var reached []string
	sender.send = func(_ context.Context, _ []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error) {
		reached = append(reached, s.Endpoint)
		assert.Equal(t, "mailto:ops@example.com", o.Subscriber)
		rec := httptest.NewRecorder()
		switch {
		case strings.HasSuffix(s.Endpoint, "gone"):
			rec.WriteHeader(http.StatusGone)
		case strings.HasSuffix(s.Endpoint, "broken"):
			rec.WriteHeader(http.StatusInternalServerError)
		case strings.HasSuffix(s.Endpoint, "err"):
			return nil, errors.New("dial failed")
		default:
			rec.WriteHeader(http.StatusCreated)
		}
		return rec.Result(), nil
	}

	err := sender.SendPush(context.Background(), 1, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, err.Error(), "dial failed")
	assert.Len(t, reached, 4, "every subscription is attempted")
	assert.Equal(t, []string{"https://push.example/gone"}, subs.deleted)
}

func TestSMSGateway(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		if r.PostForm.Get("recipient") == "+233000000000" {
			http.Error(w, "invalid recipient", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewSMSGateway(srv.URL, "user", "secret", "ALERTS", srv.Client())
	require.NoError(t, gw.SendSMS(context.Background(), "+233241234567", "hello"))
	assert.Equal(t, "user", got.Get("username"))
	assert.Equal(t, "secret", got.Get("password"))
	assert.Equal(t, "ALERTS", got.Get("sender_id"))
	assert.Equal(t, "+233241234567", got.Get("recipient"))
	assert.Equal(t, "hello", got.Get("message"))

	err := gw.SendSMS(context.Background(), "+233000000000", "hello")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Gateway))
	assert.Contains(t, err.Error(), "invalid recipient")
}
