// Package notify emails staff when a customer writes in a chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/config"
	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/lease"
	"github.com/tbourn/parcel-forwarding-backend/internal/realtime"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
)

// Mailer delivers one plain-text email.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPMailer sends through gomail.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		from:   cfg.From,
	}
}

// Send implements Mailer.
func (m *SMTPMailer) Send(_ context.Context, to []string, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return m.dialer.DialAndSend(msg)
}

const excerptRunes = 280

// Notifier listens to the change feed and mails staff about new contact
// messages. At most one email per chat is sent within Cooldown. With a
// shared Leases store, replicas that all see the same event send it once.
type Notifier struct {
	Broker     realtime.Broker
	Mailer     Mailer
	DB         *gorm.DB // staff addresses from admin_users
	StaffEmail string   // always included when set
	Cooldown   time.Duration
	Now        func() time.Time
	Leases     lease.Store // per-chat cooldown slots; process-local when nil

	once sync.Once
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Run consumes events until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	events, cancel, err := n.Broker.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("notify subscribe: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := n.Handle(ctx, ev); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("staff notification failed")
			}
		}
	}
}

// Handle mails staff for one event when it is a fresh contact message.
func (n *Notifier) Handle(ctx context.Context, ev realtime.ChangeEvent) error {
	if ev.Table != realtime.TableMessages || ev.Op != realtime.OpInsert || ev.Message == nil {
		return nil
	}
	m := ev.Message
	if m.SenderRole != domain.RoleContact {
		return nil
	}
	claimed, err := n.leases().Acquire(ctx, m.ChatID, n.Cooldown)
	if err != nil || !claimed {
		return err
	}

	to, err := n.recipients(ctx)
	if err != nil {
		n.release(ctx, m.ChatID)
		return err
	}
	if len(to) == 0 {
		return nil
	}

	from := m.SenderID
	if n.DB != nil {
		if chat, err := repo.GetChatByID(ctx, n.DB, m.ChatID); err == nil && chat.ContactEmail != nil {
			from = *chat.ContactEmail
		}
	}
	subject := fmt.Sprintf("New customer message from %s", from)
	body := fmt.Sprintf("Chat: %s\nSent: %s\n\n%s\n", m.ChatID, m.CreatedAt.UTC().Format(time.RFC1123), excerpt(m.Body))

	if err := n.Mailer.Send(ctx, to, subject, body); err != nil {
		n.release(ctx, m.ChatID)
		return err
	}
	log.Ctx(ctx).Info().Str("chat_id", m.ChatID).Int("recipients", len(to)).Msg("staff notified")
	return nil
}

func (n *Notifier) leases() lease.Store {
	n.once.Do(func() {
		if n.Leases == nil {
			n.Leases = lease.NewMemory(n.now)
		}
	})
	return n.Leases
}

// release frees the chat's slot after a failed send so the next message
// retries.
func (n *Notifier) release(ctx context.Context, chatID string) {
	if err := n.leases().Release(ctx, chatID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("chat_id", chatID).Msg("release notify slot failed")
	}
}

func (n *Notifier) recipients(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr != "" && !seen[key] {
			seen[key] = true
			out = append(out, addr)
		}
	}
	add(n.StaffEmail)
	if n.DB != nil {
		emails, err := repo.ListAdminEmails(ctx, n.DB)
		if err != nil {
			return nil, err
		}
		for _, e := range emails {
			add(e)
		}
	}
	return out, nil
}

func excerpt(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "(attachments only)"
	}
	if utf8.RuneCountInString(body) <= excerptRunes {
		return body
	}
	r := []rune(body)
	return string(r[:excerptRunes]) + "…"
}
