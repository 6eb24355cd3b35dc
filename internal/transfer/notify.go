package transfer

import (
	"context"
	"log/slog"

	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/notify"
)

// parties holds what the notification templates need about one transfer.
type parties struct {
	org      *models.Organization
	tr       *models.OwnershipTransfer
	from, to notify.Recipient
}

func (s *Service) parties(ctx context.Context, org *models.Organization, tr *models.OwnershipTransfer) parties {
	return parties{
		org:  org,
		tr:   tr,
		from: s.recipient(ctx, tr.FromUserID),
		to:   s.recipient(ctx, tr.ToUserID),
	}
}

func (p parties) data() notify.Data {
	return notify.Data{
		"OrganizationName": p.org.Name,
		"FromName":         displayName(p.from),
		"ToName":           displayName(p.to),
		"Reason":           p.tr.Metadata.Reason,
		"Message":          p.tr.Metadata.Message,
		"ExpiresAt":        p.tr.ExpiresAt.Format("January 2, 2006 15:04 MST"),
	}
}

func displayName(r notify.Recipient) string {
	if r.Name != "" {
		return r.Name
	}
	return r.Email
}

func (s *Service) recipient(ctx context.Context, userID string) notify.Recipient {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		if err != nil {
			slog.Warn("failed to resolve transfer party", "user_id", userID, "error", err)
		}
		return notify.Recipient{}
	}
	return notify.Recipient{Email: u.Email, Name: u.Name}
}

// send dispatches one notification. Failures are logged and never affect the transfer.
func (s *Service) send(ctx context.Context, tr *models.OwnershipTransfer, to notify.Recipient, kind notify.Kind, data notify.Data) {
	if to.Email == "" {
		slog.Warn("skipping transfer notification without address", "transfer_id", tr.ID, "kind", kind)
		return
	}
	if err := s.notifier.Send(ctx, to, kind, data); err != nil {
		slog.Warn("failed to send transfer notification",
			"transfer_id", tr.ID, "kind", kind, "to", to.Email, "error", err)
	}
}
