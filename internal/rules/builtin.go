package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
)

// Rule names.
const (
	RuleRapidMultipleCampaigns = "rapid_multiple_campaigns"
	RuleNewAccountLargeGoal    = "new_account_large_goal"
	RuleHighRefundRate         = "high_refund_rate"
	RuleSuspiciousTextPhrase   = "suspicious_text_phrase"
	RulePayoutCountryMismatch  = "payout_country_mismatch"
	RuleDisposableEmail        = "disposable_email"
)

// SuspiciousPhrases are checked in order; the first match is reported.
var SuspiciousPhrases = []string{
	"urgent", "transfer to", "lottery", "wire", "claim your", "act now", "guarantee", "winner",
}

// DisposableDomains are throwaway mailbox providers.
var DisposableDomains = []string{
	"mailinator.com", "10minutemail.com", "tempmail.com", "guerrillamail.com",
}

// BuiltinRules returns the fraud heuristics in evaluation order.
func BuiltinRules() []*Rule {
	return []*Rule{
		{
			Name:       RuleRapidMultipleCampaigns,
			Severity:   domain.SeverityWarning,
			Expression: "has_user && campaigns_24h > 3",
			Extract: func(in *Input) (map[string]any, error) {
				n, err := in.User.Int("created_campaigns_last_24h")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"has_user":      !in.User.Empty(),
					"campaigns_24h": n,
				}, nil
			},
			Value: func(act map[string]any) any { return act["campaigns_24h"] },
			Explain: func(act map[string]any) string {
				return fmt.Sprintf("user created %d campaigns in last 24h", act["campaigns_24h"])
			},
		},
		{
			Name:       RuleNewAccountLargeGoal,
			Severity:   domain.SeverityCritical,
			Reason:     "very new account with large goal",
			Expression: "has_age && age_days < 7 && goal > 100000.0",
			Extract: func(in *Input) (map[string]any, error) {
				goal, err := in.Campaign.Float("goal")
				if err != nil {
					return nil, err
				}
				age, ok := features.AccountAgeDays(in.User, in.Now)
				return map[string]any{
					"has_age":  ok,
					"age_days": age,
					"goal":     goal,
				}, nil
			},
			Value: func(act map[string]any) any {
				return map[string]any{"acct_age_days": act["age_days"], "goal": act["goal"]}
			},
		},
		{
			Name:       RuleHighRefundRate,
			Severity:   domain.SeverityCritical,
			Reason:     "refund rate >25%",
			Expression: "donations >= 5 && refunds > 3 && double(refunds) / double(donations > 1 ? donations : 1) > 0.25",
			Extract: func(in *Input) (map[string]any, error) {
				refunds, err := in.Campaign.Int("refunds_count")
				if err != nil {
					return nil, err
				}
				donations, err := in.Campaign.Int("donations_count")
				if err != nil {
					return nil, err
				}
				return map[string]any{"refunds": refunds, "donations": donations}, nil
			},
			Value: func(act map[string]any) any {
				return map[string]any{"refunds": act["refunds"], "donations": act["donations"]}
			},
		},
		{
			Name:       RuleSuspiciousTextPhrase,
			Severity:   domain.SeverityWarning,
			Reason:     "found suspicious phrase",
			Expression: "phrases.exists(p, description.contains(p) || title.contains(p))",
			Extract: func(in *Input) (map[string]any, error) {
				description, err := in.Campaign.String("description")
				if err != nil {
					return nil, err
				}
				title, err := in.Campaign.String("title")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"description": normalizeText(description),
					"title":       normalizeText(title),
					"phrases":     SuspiciousPhrases,
				}, nil
			},
			Value: func(act map[string]any) any {
				description, _ := act["description"].(string)
				title, _ := act["title"].(string)
				for _, p := range SuspiciousPhrases {
					if strings.Contains(description, p) || strings.Contains(title, p) {
						return p
					}
				}
				return nil
			},
		},
		{
			Name:       RulePayoutCountryMismatch,
			Severity:   domain.SeverityWarning,
			Reason:     "payout country differs from user country",
			Expression: `payout_country != "" && user_country != "" && payout_country != user_country`,
			Extract: func(in *Input) (map[string]any, error) {
				payout, err := in.Campaign.String("payout_country")
				if err != nil {
					return nil, err
				}
				country, err := in.User.String("country")
				if err != nil {
					return nil, err
				}
				return map[string]any{"payout_country": payout, "user_country": country}, nil
			},
			Value: func(act map[string]any) any {
				return map[string]any{"payout_country": act["payout_country"], "user_country": act["user_country"]}
			},
		},
		{
			Name:       RuleDisposableEmail,
			Severity:   domain.SeverityWarning,
			Reason:     "user email domain is disposable",
			Expression: `email_domain != "" && email_domain in disposable_domains`,
			Extract: func(in *Input) (map[string]any, error) {
				email, err := in.User.String("email")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"email_domain":       emailDomain(email),
					"disposable_domains": DisposableDomains,
				}, nil
			},
			Value: func(act map[string]any) any { return act["email_domain"] },
		},
	}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// emailDomain returns the lower-cased text after the last "@", or the whole
// address when it has none.
func emailDomain(email string) string {
	if email == "" {
		return ""
	}
	if i := strings.LastIndex(email, "@"); i >= 0 {
		email = email[i+1:]
	}
	return strings.ToLower(email)
}
