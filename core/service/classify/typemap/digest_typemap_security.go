package typemap

import (
	"regexp"

	"digest_server/core/domain"
)

// Security and OTP detection. These carry decider=detector: they are narrow
// content detectors rather than sender-identity rules, and the digest's OTP
// exclusion depends on them firing before any learned rule or model call.

var (
	// A code phrase plus a 4-8 digit group. The digit group alone is not
	// enough: order numbers and ZIP codes would fire it.
	otpSubjectPattern = regexp.MustCompile(`(?i)(verification|security|one[- ]?time|login|auth\w*)\s+code\b|\bcode\s+(is\s+)?[:\s]?\d{4,8}\b|\b\d{4,8}\s+is\s+your\b`)
	otpBodyPattern    = regexp.MustCompile(`(?i)(verification|one[- ]?time|login|2fa|two[- ]?factor)\s+code|code\s+(is|:)\s*\d{4,8}|do\s+not\s+share\s+this\s+code`)

	fraudSubjectPattern    = regexp.MustCompile(`(?i)suspicious\s+(sign[- ]?in|activity|login)|fraud\s+alert|unusual\s+activity|was\s+this\s+you`)
	passwordSubjectPattern = regexp.MustCompile(`(?i)password\s+(was\s+)?(reset|changed)|reset\s+your\s+password`)
	newDevicePattern       = regexp.MustCompile(`(?i)new\s+(device|browser)\s+sign[- ]?in|signed?\s+in\s+from\s+a?\s*new`)
)

func registerSecurityRules(reg *Registry) {
	otp := Result{
		Type:       domain.TypeOTP,
		TypeConf:   0.99,
		Importance: domain.ImportanceCritical,
		Attention:  domain.AttentionActionRequired,
		Decider:    domain.DeciderDetector,
		Reason:     "one-time code detected",
	}

	reg.Register(&Rule{
		Name:    "otp:subject",
		Kind:    MatchSubject,
		Subject: otpSubjectPattern,
		Result:  otp,
	})
	reg.Register(&Rule{
		Name:   "otp:body",
		Kind:   MatchBody,
		Body:   otpBodyPattern,
		Result: otp,
	})

	securityAlert := Result{
		Type:       domain.TypeNotification,
		TypeConf:   0.98,
		Importance: domain.ImportanceCritical,
		Attention:  domain.AttentionActionRequired,
		Decider:    domain.DeciderDetector,
		Reason:     "security alert",
	}

	reg.Register(&Rule{
		Name:    "security:fraud-alert",
		Kind:    MatchSubject,
		Subject: fraudSubjectPattern,
		Result:  securityAlert,
	})
	reg.Register(&Rule{
		Name:    "security:new-device",
		Kind:    MatchSubject,
		Subject: newDevicePattern,
		Result:  securityAlert,
	})
	reg.Register(&Rule{
		Name:    "security:password",
		Kind:    MatchSubject,
		Subject: passwordSubjectPattern,
		Result: Result{
			Type:       domain.TypeNotification,
			TypeConf:   0.98,
			Importance: domain.ImportanceTimeSensitive,
			Attention:  domain.AttentionActionRequired,
			Decider:    domain.DeciderDetector,
			Reason:     "password change notice",
		},
	})
}
