// Package notify creates notification records and fans them out across the
// in-app, push and SMS channels according to each recipient's preferences.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/logging"
	"incident-dispatch-go/internal/metrics"
	"incident-dispatch-go/internal/models"
	"incident-dispatch-go/internal/ratelimit"
)

// Repository is the persistence the engine needs from the host.
type Repository interface {
	CreateNotification(ctx context.Context, n models.Notification) error
	GetRecipient(ctx context.Context, userID int) (models.User, error)
	// GetPreferences returns found=false when the user never saved any.
	GetPreferences(ctx context.Context, userID int) (prefs models.NotificationPreferences, found bool, err error)
	AgencyMemberIDs(ctx context.Context, agencyID int) ([]int, error)
	RoleMemberIDs(ctx context.Context, role models.Role) ([]int, error)
	// MarkAsRead returns false when no notification id belongs to userID.
	MarkAsRead(ctx context.Context, id string, userID int) (bool, error)
	MarkAllAsRead(ctx context.Context, userID int) (int64, error)
	ListNotifications(ctx context.Context, userID int, unreadOnly bool, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID int) (int, error)
}

// Publisher is the realtime pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type PushSender interface {
	SendPush(ctx context.Context, userID int, payload []byte) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// RateLimiter throttles outbound SMS.
type RateLimiter interface {
	Check(ctx context.Context, surface ratelimit.Surface, key string) (ratelimit.Result, error)
}

// UserChannel and AgencyChannel name the realtime channels.
func UserChannel(userID int) string     { return "user-" + strconv.Itoa(userID) }
func AgencyChannel(agencyID int) string { return "agency-" + strconv.Itoa(agencyID) }

// EventCreated is the realtime event name for new notifications.
const EventCreated = "notification.created"

// Skip reasons reported in Delivery.
const (
	SkipTypeDisabled = "type_disabled"
	SkipQuietHours   = "quiet_hours"
)

// Delivery records which channels a notification reached.
type Delivery struct {
	Skipped string
	InApp   bool
	Push    bool
	SMS     bool
}

// BulkResult summarizes a fan-out to many recipients.
type BulkResult struct {
	Sent   int
	Failed map[int]error
}

type Service struct {
	repo    Repository
	pub     Publisher
	push    PushSender
	sms     SMSSender
	limiter RateLimiter

	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	loc      *time.Location
	parallel int
}

type Option func(*Service)

func WithPush(p PushSender) Option         { return func(s *Service) { s.push = p } }
func WithSMS(sender SMSSender) Option      { return func(s *Service) { s.sms = sender } }
func WithRateLimiter(l RateLimiter) Option { return func(s *Service) { s.limiter = l } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(log) }
}
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLocation sets the zone quiet hours are evaluated in.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// WithBulkConcurrency bounds simultaneous deliveries in SendBulk.
func WithBulkConcurrency(n int) Option { return func(s *Service) { s.parallel = n } }

func NewService(repo Repository, pub Publisher, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		pub:      pub,
		log:      zap.NewNop(),
		now:      time.Now,
		loc:      time.Local,
		parallel: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateNotification persists a record for userID and delivers it. The record
// is returned whenever it was stored, even if delivery then failed.
func (s *Service) CreateNotification(ctx context.Context, userID int, data models.NotificationData) (models.Notification, error) {
	n, err := s.newRecord(userID, data)
	if err != nil {
		return models.Notification{}, err
	}
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		return models.Notification{}, apperr.Wrap(apperr.Storage, "save notification", err)
	}
	if _, err := s.SendToUser(ctx, userID, n); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Service) newRecord(userID int, data models.NotificationData) (models.Notification, error) {
	if data.Type == "" || strings.TrimSpace(data.Title) == "" {
		return models.Notification{}, apperr.New(apperr.Validation, "notification type and title are required")
	}
	priority := data.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	return models.Notification{
		ID:                uuid.NewString(),
		UserID:            userID,
		Type:              data.Type,
		Title:             data.Title,
		Message:           data.Message,
		RelatedEntityType: data.RelatedEntityType,
		RelatedEntityID:   data.RelatedEntityID,
		Priority:          priority,
		CreatedAt:         s.now().UTC(),
	}, nil
}

// SendToUser fans n out over the recipient's enabled channels. Push and SMS
// failures are logged and never fail the call; only a failure to load the
// recipient or to publish in-app is returned.
func (s *Service) SendToUser(ctx context.Context, userID int, n models.Notification) (Delivery, error) {
	user, err := s.repo.GetRecipient(ctx, userID)
	if err != nil {
		return Delivery{}, fmt.Errorf("load recipient %d: %w", userID, err)
	}
	prefs, found, err := s.repo.GetPreferences(ctx, userID)
	if err != nil {
		return Delivery{}, fmt.Errorf("load preferences %d: %w", userID, err)
	}
	if !found {
		prefs = models.DefaultPreferences(userID)
	}

	if !prefs.TypeEnabled(n.Type) {
		s.log.Debug("notification type disabled", zap.Int("user_id", userID), zap.String("type", string(n.Type)))
		return Delivery{Skipped: SkipTypeDisabled}, nil
	}
	if n.Priority != models.PriorityCritical && InQuietHours(prefs.QuietHoursStart, prefs.QuietHoursEnd, s.now().In(s.loc)) {
		s.log.Debug("notification held for quiet hours", zap.Int("user_id", userID), zap.String("id", n.ID))
		return Delivery{Skipped: SkipQuietHours}, nil
	}

	var d Delivery
	payload, err := realtimePayload(n)
	if err != nil {
		return d, err
	}
	if err := s.pub.Publish(ctx, UserChannel(userID), payload); err != nil {
		s.metrics.Delivered("in_app", "failed")
		return d, fmt.Errorf("publish in-app notification: %w", err)
	}
	d.InApp = true
	s.metrics.Delivered("in_app", "sent")

	if prefs.Push && s.push != nil {
		if err := s.push.SendPush(ctx, userID, payload); err != nil {
			s.metrics.Delivered("push", "failed")
			s.log.Warn("push delivery failed", zap.Int("user_id", userID), zap.String("id", n.ID), zap.Error(err))
		} else {
			d.Push = true
			s.metrics.Delivered("push", "sent")
		}
	}

	if prefs.SMS && user.Phone != "" && n.Priority.Urgent() && s.sms != nil {
		d.SMS = s.sendSMS(ctx, user, n)
	}
	return d, nil
}

func (s *Service) sendSMS(ctx context.Context, user models.User, n models.Notification) bool {
	if s.limiter != nil {
		res, err := s.limiter.Check(ctx, ratelimit.SurfaceSMS, ratelimit.GlobalSMSKey)
		switch {
		case err != nil:
			s.log.Warn("sms rate limit unavailable, sending anyway", zap.Error(err))
		case !res.Allowed:
			s.metrics.Delivered("sms", "rate_limited")
			s.log.Warn("sms rate limit reached",
				zap.Int("user_id", user.ID),
				zap.String("id", n.ID),
				zap.Int("retry_after", res.RetryAfter),
			)
			return false
		}
	}

	if err := s.sms.SendSMS(ctx, NormalizePhone(user.Phone), FormatSMS(n.Title, n.Message)); err != nil {
		s.metrics.Delivered("sms", "failed")
		s.log.Warn("sms delivery failed", zap.Int("user_id", user.ID), zap.String("id", n.ID), zap.Error(err))
		return false
	}
	s.metrics.Delivered("sms", "sent")
	return true
}

type realtimeEvent struct {
	Event string       `json:"event"`
	Data  realtimeData `json:"data"`
}

type realtimeData struct {
	ID                string                  `json:"id,omitempty"`
	Type              models.NotificationType `json:"type"`
	Title             string                  `json:"title"`
	Message           string                  `json:"message"`
	Priority          models.Priority         `json:"priority"`
	CreatedAt         time.Time               `json:"createdAt"`
	IsRead            bool                    `json:"isRead"`
	RelatedEntityType string                  `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string                  `json:"relatedEntityId,omitempty"`
}

func realtimePayload(n models.Notification) ([]byte, error) {
	return json.Marshal(realtimeEvent{
		Event: EventCreated,
		Data: realtimeData{
			ID:                n.ID,
			Type:              n.Type,
			Title:             n.Title,
			Message:           n.Message,
			Priority:          n.Priority,
			CreatedAt:         n.CreatedAt,
			IsRead:            n.IsRead,
			RelatedEntityType: n.RelatedEntityType,
			RelatedEntityID:   n.RelatedEntityID,
		},
	})
}

// SendBulk creates and delivers one notification per recipient. Each
// recipient is handled independently; failures are collected, not fatal.
func (s *Service) SendBulk(ctx context.Context, userIDs []int, data models.NotificationData) BulkResult {
	var (
		mu     sync.Mutex
		result = BulkResult{Failed: make(map[int]error)}
		g      errgroup.Group
	)
	g.SetLimit(max(s.parallel, 1))

	for _, id := range userIDs {
		g.Go(func() error {
			_, err := s.CreateNotification(ctx, id, data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
				s.log.Warn("bulk notification failed", zap.Int("user_id", id), zap.Error(err))
				return nil
			}
			result.Sent++
			return nil
		})
	}
	g.Wait()
	return result
}

// SendToAgency notifies every member of an agency and announces the
// notification on the agency channel. The announcement is not stored, so it
// carries no id; members mark their own copies read.
func (s *Service) SendToAgency(ctx context.Context, agencyID int, data models.NotificationData) (BulkResult, error) {
	ids, err := s.repo.AgencyMemberIDs(ctx, agencyID)
	if err != nil {
		return BulkResult{}, fmt.Errorf("resolve agency %d members: %w", agencyID, err)
	}
	result := s.SendBulk(ctx, ids, data)

	if n, err := s.newRecord(0, data); err == nil {
		n.ID = ""
		if payload, err := realtimePayload(n); err == nil {
			if err := s.pub.Publish(ctx, AgencyChannel(agencyID), payload); err != nil {
				s.log.Warn("agency channel publish failed", zap.Int("agency_id", agencyID), zap.Error(err))
			}
		}
	}
	return result, nil
}

// SendToRole notifies every user holding role.
func (s *Service) SendToRole(ctx context.Context, role models.Role, data models.NotificationData) (BulkResult, error) {
	ids, err := s.repo.RoleMemberIDs(ctx, role)
	if err != nil {
		return BulkResult{}, fmt.Errorf("resolve role %s members: %w", role, err)
	}
	return s.SendBulk(ctx, ids, data), nil
}

// MarkAsRead marks one of userID's notifications as read.
func (s *Service) MarkAsRead(ctx context.Context, id string, userID int) error {
	ok, err := s.repo.MarkAsRead(ctx, id, userID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "mark notification read", err)
	}
	if !ok {
		return apperr.New(apperr.NotFound, "notification not found")
	}
	return nil
}

// MarkAllAsRead marks every notification of userID as read. It is safe to
// repeat.
func (s *Service) MarkAllAsRead(ctx context.Context, userID int) (int64, error) {
	n, err := s.repo.MarkAllAsRead(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "mark all notifications read", err)
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, userID int, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListNotifications(ctx, userID, unreadOnly, limit)
}

func (s *Service) UnreadCount(ctx context.Context, userID int) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}
