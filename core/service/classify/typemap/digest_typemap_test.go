package typemap

import (
	"testing"

	"digest_server/core/domain"
)

// The dataset suite is the quality bar for mapper rules: every entry states
// the expected outcome, and the negative rows reject rules that would fire on
// a non-matching type.
func TestDefaultRegistryDataset(t *testing.T) {
	reg := NewDefaultRegistry()

	tests := []struct {
		name        string
		email       domain.EmailInput
		wantMatch   bool
		wantType    domain.EmailType
		wantDecider domain.Decider
	}{
		{
			name: "bank verification code is otp via detector",
			email: domain.EmailInput{
				From:    "security@bank.example",
				Subject: "Your verification code is 123456",
				Snippet: "Do not share",
			},
			wantMatch:   true,
			wantType:    domain.TypeOTP,
			wantDecider: domain.DeciderDetector,
		},
		{
			name: "login code phrasing is otp",
			email: domain.EmailInput{
				From:    "no-reply@accounts.example",
				Subject: "837261 is your login code",
			},
			wantMatch:   true,
			wantType:    domain.TypeOTP,
			wantDecider: domain.DeciderDetector,
		},
		{
			name: "order number alone is not otp",
			email: domain.EmailInput{
				From:    "orders@shop.example",
				Subject: "Your order 483920 has been received",
			},
			wantMatch: true,
			wantType:  domain.TypeReceipt,
		},
		{
			name: "fraud alert is critical security notification",
			email: domain.EmailInput{
				From:    "alerts@bank.example",
				Subject: "Suspicious sign-in attempt on your account",
			},
			wantMatch:   true,
			wantType:    domain.TypeNotification,
			wantDecider: domain.DeciderDetector,
		},
		{
			name: "stripe receipt via processor domain",
			email: domain.EmailInput{
				From:    "receipts@stripe.com",
				Subject: "Your receipt from Acme Co",
			},
			wantMatch:   true,
			wantType:    domain.TypeReceipt,
			wantDecider: domain.DeciderTypeMapper,
		},
		{
			name: "stripe marketing mail does not match the processor rule",
			email: domain.EmailInput{
				From:    "marketing@stripe.com",
				Subject: "Introducing our new developer tools",
			},
			wantMatch: false,
		},
		{
			name: "shipping update",
			email: domain.EmailInput{
				From:    "tracking@carrier.example",
				Subject: "Your package is out for delivery",
			},
			wantMatch: true,
			wantType:  domain.TypeNotification,
		},
		{
			name: "list-unsubscribe header wins over content",
			email: domain.EmailInput{
				From:    "updates@startup.example",
				Subject: "What we shipped this week",
				Headers: map[string]string{"List-Unsubscribe": "<mailto:u@startup.example>"},
			},
			wantMatch: true,
			wantType:  domain.TypeNewsletter,
		},
		{
			name: "precedence bulk must carry value bulk",
			email: domain.EmailInput{
				From:    "a@b.example",
				Subject: "hello",
				Headers: map[string]string{"Precedence": "first-class"},
			},
			wantMatch: false,
		},
		{
			name: "promo subject",
			email: domain.EmailInput{
				From:    "deals@store.example",
				Subject: "Flash sale ends tonight - 40% off everything",
			},
			wantMatch: true,
			wantType:  domain.TypePromotion,
		},
		{
			name: "calendar invitation",
			email: domain.EmailInput{
				From:    "calendar-notification@calendar.example",
				Subject: "Invitation: Quarterly planning @ Tue Mar 3",
			},
			wantMatch: true,
			wantType:  domain.TypeEvent,
		},
		{
			name: "personal mail does not match anything",
			email: domain.EmailInput{
				From:    "alice@gmail.com",
				Subject: "Lunch tomorrow?",
				Snippet: "Want to grab lunch at noon?",
			},
			wantMatch: false,
		},
		{
			name: "attachment without invoice wording does not fire",
			email: domain.EmailInput{
				From:          "bob@company.example",
				Subject:       "Slides from today",
				HasAttachment: true,
			},
			wantMatch: false,
		},
		{
			name: "invoice attachment fires",
			email: domain.EmailInput{
				From:          "billing@vendor.example",
				Subject:       "Invoice for March services",
				HasAttachment: true,
			},
			wantMatch: true,
			wantType:  domain.TypeReceipt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.Match(&tt.email)
			if !tt.wantMatch {
				if got != nil {
					t.Fatalf("unexpected match %q (type %s)", got.Source, got.Type)
				}
				return
			}
			if got == nil {
				t.Fatal("no match")
			}
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s (rule %s)", got.Type, tt.wantType, got.Source)
			}
			if tt.wantDecider != "" && got.Decider != tt.wantDecider {
				t.Errorf("decider = %s, want %s", got.Decider, tt.wantDecider)
			}
			if got.TypeConf < 0.98 {
				t.Errorf("mapper confidence %v below 0.98", got.TypeConf)
			}
		})
	}
}

func TestLadderOrderDomainBeforeSubject(t *testing.T) {
	reg := NewDefaultRegistry()

	// A stripe receipt whose subject also matches the promo pattern must be
	// decided by the domain rung, which runs first.
	email := domain.EmailInput{
		From:    "receipts@stripe.com",
		Subject: "Receipt from Acme - 20% off next order",
	}
	got := reg.Match(&email)
	if got == nil || got.Type != domain.TypeReceipt {
		t.Fatalf("domain rung should win, got %+v", got)
	}
}
