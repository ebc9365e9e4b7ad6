package email

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"sync"

	"mailqueue/internal/models"
)

// ErrNoRenderer is returned when a job's email type has no registered
// renderer.
var ErrNoRenderer = errors.New("no renderer registered for email type")

// Renderer turns a job's opaque template data into an HTML body.
type Renderer interface {
	Render(data json.RawMessage) (string, error)
}

// Registry maps email types to renderers. Adding an email type means
// registering a new entry, not editing a dispatcher.
type Registry struct {
	mu        sync.RWMutex
	renderers map[models.EmailType]Renderer
}

// NewRegistry returns a registry preloaded with the built-in renderers.
func NewRegistry() *Registry {
	r := &Registry{renderers: make(map[models.EmailType]Renderer)}

	r.Register(models.TypeWelcome, newTypedRenderer[WelcomeData](welcomeTmpl))
	r.Register(models.TypePaymentReceipt, newTypedRenderer[PaymentReceiptData](paymentReceiptTmpl))
	r.Register(models.TypeSubscriptionRenewal, newTypedRenderer[SubscriptionRenewalData](subscriptionRenewalTmpl))
	r.Register(models.TypePostPublished, newTypedRenderer[PostPublishedData](postPublishedTmpl))
	r.Register(models.TypePostFailed, newTypedRenderer[PostFailedData](postFailedTmpl))
	r.Register(models.TypeScheduledReminder, newTypedRenderer[ScheduledReminderData](scheduledReminderTmpl))

	return r
}

func (r *Registry) Register(t models.EmailType, renderer Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[t] = renderer
}

func (r *Registry) Lookup(t models.EmailType) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	renderer, ok := r.renderers[t]
	return renderer, ok
}

// Render resolves the renderer for t and renders data through it.
func (r *Registry) Render(t models.EmailType, data json.RawMessage) (string, error) {
	renderer, ok := r.Lookup(t)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRenderer, t)
	}
	return renderer.Render(data)
}

// ----------------------------
// Template payloads
// ----------------------------

// Each email type has a closed payload shape, validated before rendering.

type WelcomeData struct {
	Name string `json:"name"`
}

func (d WelcomeData) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type PaymentReceiptData struct {
	Name      string `json:"name"`
	InvoiceID string `json:"invoice_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	PaidAt    string `json:"paid_at"`
}

func (d PaymentReceiptData) Validate() error {
	if d.InvoiceID == "" {
		return errors.New("invoice_id is required")
	}
	if d.Amount == "" {
		return errors.New("amount is required")
	}
	return nil
}

type SubscriptionRenewalData struct {
	Name     string `json:"name"`
	PlanName string `json:"plan_name"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	RenewsAt string `json:"renews_at"`
}

func (d SubscriptionRenewalData) Validate() error {
	if d.PlanName == "" {
		return errors.New("plan_name is required")
	}
	return nil
}

type PostPublishedData struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	PostURL  string `json:"post_url"`
}

func (d PostPublishedData) Validate() error {
	if d.Platform == "" {
		return errors.New("platform is required")
	}
	return nil
}

type PostFailedData struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Reason   string `json:"reason"`
}

func (d PostFailedData) Validate() error {
	if d.Platform == "" {
		return errors.New("platform is required")
	}
	return nil
}

type ScheduledReminderData struct {
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	ScheduledAt string `json:"scheduled_at"`
	PostPreview string `json:"post_preview"`
}

func (d ScheduledReminderData) Validate() error {
	if d.ScheduledAt == "" {
		return errors.New("scheduled_at is required")
	}
	return nil
}

// ----------------------------
// Typed renderer
// ----------------------------

type validatable interface {
	Validate() error
}

type typedRenderer[T validatable] struct {
	tmpl *template.Template
}

func newTypedRenderer[T validatable](text string) Renderer {
	return &typedRenderer[T]{
		tmpl: template.Must(template.New("email").Parse(text)),
	}
}

func (r *typedRenderer[T]) Render(data json.RawMessage) (string, error) {
	var payload T

	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", fmt.Errorf("template data decode error: %w", err)
		}
	}

	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("template data invalid: %w", err)
	}

	var body bytes.Buffer
	if err := r.tmpl.Execute(&body, payload); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}

	return body.String(), nil
}

// ----------------------------
// Built-in templates
// ----------------------------

const welcomeTmpl = `<html><body>
<h2>Welcome, {{.Name}}!</h2>
<p>Your account is ready. Connect a social profile and schedule your first post.</p>
</body></html>`

const paymentReceiptTmpl = `<html><body>
<h2>Payment received</h2>
<p>Hi {{.Name}},</p>
<p>We received your payment of {{.Amount}} {{.Currency}} on {{.PaidAt}}.</p>
<p>Invoice: {{.InvoiceID}}</p>
</body></html>`

const subscriptionRenewalTmpl = `<html><body>
<h2>Your subscription renews soon</h2>
<p>Hi {{.Name}},</p>
<p>Your {{.PlanName}} plan renews on {{.RenewsAt}} for {{.Amount}} {{.Currency}}.</p>
</body></html>`

const postPublishedTmpl = `<html><body>
<h2>Your post is live</h2>
<p>Hi {{.Name}},</p>
<p>Your scheduled post was published to {{.Platform}}.</p>
{{if .PostURL}}<p><a href="{{.PostURL}}">View post</a></p>{{end}}
</body></html>`

const postFailedTmpl = `<html><body>
<h2>We couldn't publish your post</h2>
<p>Hi {{.Name}},</p>
<p>Publishing to {{.Platform}} failed: {{.Reason}}</p>
<p>Please reconnect the account and try again.</p>
</body></html>`

const scheduledReminderTmpl = `<html><body>
<h2>Upcoming scheduled post</h2>
<p>Hi {{.Name}},</p>
<p>Your post for {{.Platform}} goes out at {{.ScheduledAt}}.</p>
{{if .PostPreview}}<blockquote>{{.PostPreview}}</blockquote>{{end}}
</body></html>`
