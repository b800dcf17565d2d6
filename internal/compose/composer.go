// Package compose renders notification content deterministically from
// structured input. Composition is pure: identical data produces
// byte-identical output, which keeps redelivery from the retry queue safe
// without re-deriving content.
package compose

import (
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/example/ingestion-service/internal/models"
)

// ErrValidation is returned when the data lacks a field the selected
// template requires, or when a field has the wrong type.
var ErrValidation = errors.New("compose validation failed")

// notificationTemplate pairs a fixed subject line with a fixed body
// transformation for one notification kind.
type notificationTemplate struct {
	subject string
	numbers []string
	body    *template.Template
}

const reportBody = `<html>
<body>
<h2>Your savings projection</h2>
<p>Hi {{.Greeting}},</p>
<p>Your projected value today is <strong>{{.TodayValue}}</strong>.</p>
<p>That is an increase of <strong>{{.PercentageIncrease}}</strong> over your starting point.</p>
<p>Keep it up!</p>
</body>
</html>`

const confirmationBody = `<html>
<body>
<h2>Subscription confirmed</h2>
<p>Hi {{.Greeting}},</p>
<p>Your subscription for <strong>{{.Email}}</strong> is confirmed. You will receive your reports at this address.</p>
</body>
</html>`

// Composer selects and renders the template for a notification kind.
type Composer struct {
	templates map[string]notificationTemplate
}

// New constructs a composer with the fixed template set.
func New() *Composer {
	return &Composer{
		templates: map[string]notificationTemplate{
			models.KindReport: {
				subject: "Your savings projection report",
				numbers: []string{"todayValue", "percentageIncrease"},
				body:    template.Must(template.New(models.KindReport).Parse(reportBody)),
			},
			models.KindConfirmation: {
				subject: "Subscription confirmed",
				body:    template.Must(template.New(models.KindConfirmation).Parse(confirmationBody)),
			},
		},
	}
}

// Compose renders the notification for kind from data. Every kind requires a
// "email" recipient field; "name" is optional and falls back to the mailbox
// local part in the greeting. Numeric requirements vary per kind.
func (c *Composer) Compose(kind string, data map[string]any) (models.Notification, error) {
	tmpl, ok := c.templates[kind]
	if !ok {
		return models.Notification{}, fmt.Errorf("%w: unknown notification kind %q", ErrValidation, kind)
	}

	email, err := stringField(data, "email")
	if err != nil {
		return models.Notification{}, err
	}
	name, _ := data["name"].(string)
	name = strings.TrimSpace(name)

	view := map[string]string{
		"Email":    email,
		"Greeting": greeting(email, name),
	}
	for _, field := range tmpl.numbers {
		value, err := numberField(data, field)
		if err != nil {
			return models.Notification{}, err
		}
		view[exportedName(field)] = formatNumber(field, value)
	}

	var body strings.Builder
	if err := tmpl.body.Execute(&body, view); err != nil {
		return models.Notification{}, fmt.Errorf("%w: render %q: %v", ErrValidation, kind, err)
	}

	return models.Notification{
		Recipient:     email,
		RecipientName: name,
		Subject:       tmpl.subject,
		HTMLBody:      body.String(),
		Kind:          kind,
	}, nil
}

func greeting(email, name string) string {
	if name != "" {
		return name
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

func stringField(data map[string]any, field string) (string, error) {
	raw, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q is required", ErrValidation, field)
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: field %q must be a non-empty string", ErrValidation, field)
	}
	return strings.TrimSpace(value), nil
}

func numberField(data map[string]any, field string) (float64, error) {
	raw, ok := data[field]
	if !ok {
		return 0, fmt.Errorf("%w: field %q is required", ErrValidation, field)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: field %q must be numeric, got %T", ErrValidation, field, raw)
	}
}

// formatNumber renders percentages with two fixed decimals and plain values
// with trailing zeros trimmed, so 150.0 reads as "150" and 25.0 as "25.00%".
func formatNumber(field string, value float64) string {
	if strings.Contains(strings.ToLower(field), "percentage") {
		return fmt.Sprintf("%.2f%%", value)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func exportedName(field string) string {
	if field == "" {
		return ""
	}
	return strings.ToUpper(field[:1]) + field[1:]
}
