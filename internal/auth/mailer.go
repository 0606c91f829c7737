package auth

import "context"

// Mail templates understood by the delivery worker.
const (
	TemplateAccountVerification = "account_verification"
	TemplatePasswordResetOTP    = "password_reset_otp"
	TemplatePasswordChanged     = "password_changed"
)

// MailTemplate names a template and supplies its content; rendering happens downstream.
type MailTemplate struct {
	Name    string            `json:"name"`
	Content map[string]string `json:"content"`
}

// MailJob is the descriptor handed to the job queue.
type MailJob struct {
	Email    string       `json:"email"`
	Subject  string       `json:"subject"`
	Template MailTemplate `json:"template"`
}

// Mailer enqueues mail jobs without waiting for delivery.
type Mailer interface {
	Enqueue(ctx context.Context, job MailJob) error
}

type noopMailer struct{}

func (noopMailer) Enqueue(context.Context, MailJob) error { return nil }
