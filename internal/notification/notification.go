// Package notification dispatches channel-agnostic messages through pluggable
// adapters. The core owns only the Adapter interface and delivery-outcome
// reporting; a concrete channel adapter (SendGrid for email, here) is an
// external collaborator wired in at assembly time.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/occam/orchestration-kernel/internal/occamerr"
	"github.com/occam/orchestration-kernel/internal/vault"
	"github.com/occam/orchestration-kernel/pkg/circuitbreaker"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChatA Channel = "chat-a"
	ChannelChatB Channel = "chat-b"
	ChannelSMS   Channel = "sms"
	ChannelIM    Channel = "im"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is what the orchestrator hands to the dispatcher.
type Message struct {
	Channel   Channel
	Recipient string
	Subject   string
	Body      string
	Severity  Severity
	Metadata  map[string]string
}

// DeliveryStatus is the terminal outcome of a send attempt.
type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
)

// DeliveryResult is returned from every dispatch, successful or not.
type DeliveryResult struct {
	DeliveryID    string
	Status        DeliveryStatus
	Attempts      int
	FailureReason string
	SentAt        *time.Time
}

// Adapter is the interface a channel implementation must satisfy. No business
// logic — limits, approvals, audit — lives in an adapter; it only formats and
// transmits.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, credential string, msg Message) (DeliveryResult, error)
}

// Dispatcher routes messages to the adapter registered for their channel,
// resolving send credentials from the vault and wrapping each attempt in a
// circuit breaker the way external calls are guarded elsewhere in the kernel.
type Dispatcher struct {
	adapters        map[Channel]Adapter
	enabledChannels map[Channel]bool
	credentialScope string
	vault           *vault.Vault
	breaker         *circuitbreaker.CircuitBreaker
	log             *zap.Logger
}

func NewDispatcher(v *vault.Vault, credentialScope string, enabled []Channel, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	enabledSet := make(map[Channel]bool, len(enabled))
	for _, c := range enabled {
		enabledSet[c] = true
	}
	return &Dispatcher{
		adapters:        make(map[Channel]Adapter),
		enabledChannels: enabledSet,
		credentialScope: credentialScope,
		vault:           v,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second, FailureThreshold: 5,
		}),
		log: log,
	}
}

// Register wires a channel adapter into the dispatcher.
func (d *Dispatcher) Register(a Adapter) {
	d.adapters[a.Channel()] = a
}

// ErrChannelDisabled is the sentinel wrapped by Send when the requested
// channel was not enabled at startup; match with errors.Is.
var ErrChannelDisabled = errors.New("notification: channel disabled")

// Send resolves credentials, invokes the registered adapter through the
// circuit breaker, and returns a DeliveryResult regardless of outcome.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	if !d.enabledChannels[msg.Channel] {
		e := occamerr.NewInvalid("channel", string(msg.Channel)+" is not an enabled channel")
		e.Err = ErrChannelDisabled
		return DeliveryResult{Status: StatusFailed, FailureReason: "channel disabled"}, e
	}
	adapter, ok := d.adapters[msg.Channel]
	if !ok {
		return DeliveryResult{Status: StatusFailed, FailureReason: "no adapter registered"}, occamerr.NewInvalid("channel", "no adapter registered for "+string(msg.Channel))
	}

	creds := d.vault.ByScope(d.credentialScope)
	var credential string
	if len(creds) > 0 {
		plaintext, err := d.vault.Get(creds[0].ID)
		if err != nil {
			return DeliveryResult{Status: StatusFailed, FailureReason: "credential resolution failed"}, err
		}
		credential = plaintext
	}

	var result DeliveryResult
	err := d.breaker.Execute(ctx, func() error {
		r, sendErr := adapter.Send(ctx, credential, msg)
		result = r
		return sendErr
	})
	if err != nil {
		result.Status = StatusFailed
		if result.FailureReason == "" {
			result.FailureReason = err.Error()
		}
		d.log.Warn("notification delivery failed", zap.String("channel", string(msg.Channel)), zap.Error(err))
		return result, err
	}
	return result, nil
}

// SendGridEmailAdapter sends email via SendGrid's HTTP API: build a
// single-recipient mail.SGMailV3 and POST it through the official client.
type SendGridEmailAdapter struct {
	fromAddr string
	fromName string
}

func NewSendGridEmailAdapter(fromAddr, fromName string) *SendGridEmailAdapter {
	return &SendGridEmailAdapter{fromAddr: fromAddr, fromName: fromName}
}

func (a *SendGridEmailAdapter) Channel() Channel { return ChannelEmail }

func (a *SendGridEmailAdapter) Send(ctx context.Context, apiKey string, msg Message) (DeliveryResult, error) {
	from := mail.NewEmail(a.fromName, a.fromAddr)
	to := mail.NewEmail(msg.Recipient, msg.Recipient)
	subject := formatSubject(msg)
	content := mail.NewContent("text/plain", msg.Body)
	m := mail.NewV3MailInit(from, subject, to, content)

	client := sendgrid.NewSendClient(apiKey)
	resp, err := client.SendWithContext(ctx, m)

	deliveryID := uuid.NewString()
	now := time.Now().UTC()
	if err != nil {
		return DeliveryResult{DeliveryID: deliveryID, Status: StatusFailed, Attempts: 1, FailureReason: err.Error()}, err
	}
	if resp.StatusCode >= 300 {
		reason := fmt.Sprintf("sendgrid returned status %d", resp.StatusCode)
		return DeliveryResult{DeliveryID: deliveryID, Status: StatusFailed, Attempts: 1, FailureReason: reason}, errors.New(reason)
	}
	return DeliveryResult{DeliveryID: deliveryID, Status: StatusSent, Attempts: 1, SentAt: &now}, nil
}

// formatSubject applies severity-appropriate prefixing — the only formatting
// responsibility an adapter carries.
func formatSubject(msg Message) string {
	prefix := ""
	switch msg.Severity {
	case SeverityCritical:
		prefix = "[CRITICAL] "
	case SeverityWarning:
		prefix = "[WARNING] "
	}
	if msg.Subject == "" {
		return prefix + "OCCAM notification"
	}
	return prefix + msg.Subject
}
