// Package dispatch owns the responder assignment lifecycle. Status changes
// only move forward one step at a time, so a replayed update either applies
// once or is a no-op.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/logging"
	"incident-dispatch-go/internal/models"
)

var order = []models.DispatchStatus{
	models.StatusDispatched,
	models.StatusAccepted,
	models.StatusEnRoute,
	models.StatusArrived,
	models.StatusCompleted,
}

func rank(s models.DispatchStatus) int {
	for i, v := range order {
		if v == s {
			return i
		}
	}
	return -1
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s models.DispatchStatus) bool { return rank(s) >= 0 }

// CheckTransition returns nil when from→to is the next step in the lifecycle.
func CheckTransition(from, to models.DispatchStatus) error {
	f, t := rank(from), rank(to)
	if f < 0 || t < 0 {
		return apperr.New(apperr.Validation, fmt.Sprintf("unknown dispatch status %q", to))
	}
	if t != f+1 {
		return apperr.New(apperr.InvalidTransition, fmt.Sprintf("cannot move dispatch from %s to %s", from, to))
	}
	return nil
}

type Repository interface {
	CreateAssignment(ctx context.Context, a models.DispatchAssignment) error
	GetAssignment(ctx context.Context, id string) (models.DispatchAssignment, error)
	// UpdateAssignmentStatus moves the assignment from one status to the
	// next. It reports false, without writing, when the stored status is no
	// longer from.
	UpdateAssignmentStatus(ctx context.Context, id string, from, to models.DispatchStatus, at time.Time) (bool, error)
}

// Notifier is satisfied by *notify.Service.
type Notifier interface {
	CreateNotification(ctx context.Context, userID int, data models.NotificationData) (models.Notification, error)
}

type Service struct {
	repo   Repository
	notify Notifier
	log    *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, notifier Notifier, log *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		notify: notifier,
		log:    logging.OrNop(log),
		now:    time.Now,
	}
}

func canAssign(r models.Role) bool {
	return r == models.RoleDispatcher || r == models.RoleAdmin
}

// Assign creates a dispatched assignment and tells the responder.
func (s *Service) Assign(ctx context.Context, actor models.User, incidentID string, responderID int) (models.DispatchAssignment, error) {
	if !canAssign(actor.Role) {
		return models.DispatchAssignment{}, apperr.New(apperr.Forbidden, "only dispatchers can assign responders")
	}
	if incidentID == "" || responderID <= 0 {
		return models.DispatchAssignment{}, apperr.New(apperr.Validation, "incident and responder are required")
	}

	now := s.now().UTC()
	a := models.DispatchAssignment{
		ID:           uuid.NewString(),
		IncidentID:   incidentID,
		ResponderID:  responderID,
		DispatcherID: actor.ID,
		Status:       models.StatusDispatched,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateAssignment(ctx, a); err != nil {
		return models.DispatchAssignment{}, apperr.Wrap(apperr.Storage, "save assignment", err)
	}

	s.announce(ctx, responderID, models.NotificationData{
		Type:              models.TypeDispatchAssignment,
		Title:             "New dispatch assignment",
		Message:           "You have been assigned to incident " + incidentID,
		RelatedEntityType: "dispatch",
		RelatedEntityID:   a.ID,
		Priority:          models.PriorityHigh,
	})
	return a, nil
}

// UpdateStatus moves an assignment to status on behalf of its responder.
// Applying the status the assignment already has changes nothing.
func (s *Service) UpdateStatus(ctx context.Context, actor models.User, id string, status models.DispatchStatus) (models.DispatchAssignment, error) {
	if !ValidStatus(status) {
		return models.DispatchAssignment{}, apperr.New(apperr.Validation, fmt.Sprintf("unknown dispatch status %q", status))
	}
	var a models.DispatchAssignment
	for {
		current, err := s.repo.GetAssignment(ctx, id)
		if err != nil {
			return models.DispatchAssignment{}, err
		}
		if actor.ID != current.ResponderID {
			return models.DispatchAssignment{}, apperr.New(apperr.Forbidden, "only the assigned responder can update this dispatch")
		}
		if current.Status == status {
			return current, nil
		}
		if err := CheckTransition(current.Status, status); err != nil {
			return models.DispatchAssignment{}, err
		}

		a = current
		a.Status = status
		a.UpdatedAt = s.now().UTC()
		ok, err := s.repo.UpdateAssignmentStatus(ctx, a.ID, current.Status, a.Status, a.UpdatedAt)
		if err != nil {
			return models.DispatchAssignment{}, apperr.Wrap(apperr.Storage, "update assignment", err)
		}
		if ok {
			break
		}
		// Moved by a concurrent update since the read; statuses only move
		// forward.
		s.log.Debug("dispatch status changed concurrently, re-reading",
			zap.String("dispatch_id", id),
			zap.String("status", string(status)),
		)
	}

	priority := models.PriorityNormal
	if status == models.StatusCompleted {
		priority = models.PriorityHigh
	}
	s.announce(ctx, a.DispatcherID, models.NotificationData{
		Type:              models.TypeStatusUpdate,
		Title:             "Dispatch status updated",
		Message:           fmt.Sprintf("Incident %s is now %s", a.IncidentID, status),
		RelatedEntityType: "dispatch",
		RelatedEntityID:   a.ID,
		Priority:          priority,
	})
	return a, nil
}

func (s *Service) announce(ctx context.Context, userID int, data models.NotificationData) {
	if s.notify == nil {
		return
	}
	if _, err := s.notify.CreateNotification(ctx, userID, data); err != nil {
		s.log.Warn("dispatch notification failed",
			zap.Int("user_id", userID),
			zap.String("type", string(data.Type)),
			zap.Error(err),
		)
	}
}
