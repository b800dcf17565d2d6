package compose

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/ingestion-service/internal/models"
)

func TestComposeReport(t *testing.T) {
	composer := New()

	n, err := composer.Compose(models.KindReport, map[string]any{
		"email":              "a@b.com",
		"todayValue":         150.0,
		"percentageIncrease": 25.0,
	})
	if err != nil {
		t.Fatalf("unexpected compose error: %v", err)
	}

	if n.Recipient != "a@b.com" {
		t.Fatalf("unexpected recipient: %q", n.Recipient)
	}
	if n.Kind != models.KindReport {
		t.Fatalf("unexpected kind: %q", n.Kind)
	}
	if n.Subject == "" {
		t.Fatalf("expected a fixed subject line")
	}
	if !strings.Contains(n.HTMLBody, "150") {
		t.Fatalf("expected body to contain the projected value, got %q", n.HTMLBody)
	}
	if !strings.Contains(n.HTMLBody, "25.00%") {
		t.Fatalf("expected body to contain the formatted percentage, got %q", n.HTMLBody)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	composer := New()
	data := map[string]any{
		"email":              "a@b.com",
		"name":               "Alex",
		"todayValue":         1234.5,
		"percentageIncrease": 7.125,
	}

	first, err := composer.Compose(models.KindReport, data)
	if err != nil {
		t.Fatalf("unexpected compose error: %v", err)
	}
	second, err := composer.Compose(models.KindReport, data)
	if err != nil {
		t.Fatalf("unexpected compose error: %v", err)
	}

	if first.HTMLBody != second.HTMLBody {
		t.Fatalf("expected byte-identical bodies across calls")
	}
	if first.Subject != second.Subject {
		t.Fatalf("expected identical subjects across calls")
	}
}

func TestComposeConfirmation(t *testing.T) {
	composer := New()

	n, err := composer.Compose(models.KindConfirmation, map[string]any{"email": "sub@example.com"})
	if err != nil {
		t.Fatalf("unexpected compose error: %v", err)
	}
	if !strings.Contains(n.HTMLBody, "sub@example.com") {
		t.Fatalf("expected body to mention the subscribed address, got %q", n.HTMLBody)
	}
	// No name supplied, so the greeting falls back to the mailbox local part.
	if !strings.Contains(n.HTMLBody, "Hi sub,") {
		t.Fatalf("expected local-part greeting, got %q", n.HTMLBody)
	}
}

func TestComposeValidation(t *testing.T) {
	composer := New()

	if _, err := composer.Compose("mystery", map[string]any{"email": "a@b.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown kind, got %v", err)
	}
	if _, err := composer.Compose(models.KindReport, map[string]any{"email": "a@b.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing numeric field, got %v", err)
	}
	if _, err := composer.Compose(models.KindReport, map[string]any{
		"email":              "a@b.com",
		"todayValue":         "150",
		"percentageIncrease": 25.0,
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-numeric field, got %v", err)
	}
	if _, err := composer.Compose(models.KindConfirmation, map[string]any{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing recipient, got %v", err)
	}
}
