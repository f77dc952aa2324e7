package classify

import (
	"fmt"

	"digest_server/config"
	"digest_server/core/domain"
)

// applyGate enforces the confidence thresholds on a classification. Gates are
// inclusive: a confidence exactly at the threshold passes. Raising any
// threshold can only move a result toward uncategorized, never away from it.
func applyGate(c domain.Classification, p config.Policy) domain.Classification {
	if c.TypeConf < p.MinTypeConf && c.Type != domain.TypeUncategorized {
		c.Reason = fmt.Sprintf("type_conf %.2f below type gate %.2f (was %s)", c.TypeConf, p.MinTypeConf, c.Type)
		c.Type = domain.TypeUncategorized
		c.ClientLabel = domain.LabelEverythingElse
	}

	// Domain labels below the domain gate are dropped.
	if len(c.Domains) > 0 {
		kept := c.Domains[:0:0]
		for _, d := range c.Domains {
			conf, ok := c.DomainConf[d]
			if !ok {
				// A domain without a stated confidence came from a
				// deterministic tier; it stands.
				kept = append(kept, d)
				continue
			}
			if conf >= p.DomainGate {
				kept = append(kept, d)
			}
		}
		c.Domains = kept
	}

	// Attention demands its own gate.
	if c.Attention == domain.AttentionActionRequired && c.AttentionConf < p.AttentionGate {
		c.Attention = domain.AttentionNone
	}

	// Label follows the gated fields, except the OTP invariant which is
	// absolute.
	if c.Type == domain.TypeOTP {
		c.ClientLabel = domain.LabelActionRequired
	} else if c.Type == domain.TypeUncategorized {
		c.ClientLabel = domain.LabelEverythingElse
	} else {
		c.ClientLabel = domain.LabelFor(c.Type, c.Attention)
	}
	return c
}
