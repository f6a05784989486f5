// Package features turns a campaign and its creator into the fixed numeric
// feature vector consumed by the anomaly model.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/fundguard/internal/domain"
)

// Feature names. The model consumes them in sorted order.
const (
	Goal               = "goal"
	AmountRaised       = "amount_raised"
	DaysActive         = "days_active"
	Velocity           = "velocity"
	PercentFunded      = "percent_funded"
	UpdatesCount       = "updates_count"
	ImagesCount        = "images_count"
	VideosCount        = "videos_count"
	DonationsCount     = "donations_count"
	RefundsCount       = "refunds_count"
	RefundRatio        = "refund_ratio"
	UserAccountAgeDays = "user_account_age_days"
	UserTotalCampaigns = "user_total_campaigns"
	UserNumCards       = "user_num_cards"
)

const (
	// DefaultAccountAge is used when the creator or its created_at is unknown.
	DefaultAccountAge = 9999.0
	MinDaysActive     = 1.0
	hoursPerDay       = 24.0
)

var names = func() []string {
	n := []string{
		Goal, AmountRaised, DaysActive, Velocity, PercentFunded,
		UpdatesCount, ImagesCount, VideosCount, DonationsCount, RefundsCount,
		RefundRatio, UserAccountAgeDays, UserTotalCampaigns, UserNumCards,
	}
	sort.Strings(n)
	return n
}()

// Names returns the feature schema in model column order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Extraction is the result of a feature computation.
type Extraction struct {
	Vector domain.FeatureVector
	// Defaulted lists features whose computation failed and fell back, sorted.
	Defaulted []string
}

// Compute extracts the feature vector relative to the current time.
func Compute(campaign, user domain.Record) Extraction {
	return ComputeAt(campaign, user, time.Now().UTC())
}

// ComputeAt extracts the feature vector relative to now. It never fails:
// every feature is computed independently and falls back to its default.
func ComputeAt(campaign, user domain.Record, now time.Time) Extraction {
	x := &extractor{vec: make(domain.FeatureVector, len(names))}

	goal := x.float(Goal, 0, func() (float64, error) { return campaign.Float("goal") })
	amount := x.float(AmountRaised, 0, func() (float64, error) { return campaign.Float("amount_raised") })

	days := MinDaysActive
	if created, ok := campaign.Time("created_at"); ok {
		days = math.Max(MinDaysActive, now.Sub(created).Hours()/hoursPerDay)
	}
	x.set(DaysActive, days)

	x.set(Velocity, amount/days)
	x.set(PercentFunded, amount/math.Max(1, goal))

	x.float(UpdatesCount, 0, func() (float64, error) { return campaign.Float("updates_count") })
	x.float(ImagesCount, 0, func() (float64, error) {
		n, err := campaign.Len("images")
		return float64(n), err
	})
	videos := 0.0
	if domain.Truthy(campaign.Get("video_url")) {
		videos = 1
	}
	x.set(VideosCount, videos)

	donations := x.float(DonationsCount, 0, func() (float64, error) { return campaign.Float("donations_count") })
	refunds := x.float(RefundsCount, 0, func() (float64, error) { return campaign.Float("refunds_count") })
	ratio := 0.0
	if donations >= 1 {
		ratio = refunds / math.Max(1, donations)
	}
	x.set(RefundRatio, ratio)

	age := DefaultAccountAge
	if d, ok := AccountAgeDays(user, now); ok {
		age = float64(d)
	}
	x.set(UserAccountAgeDays, age)

	x.float(UserTotalCampaigns, 0, func() (float64, error) { return user.Float("total_campaigns") })
	x.float(UserNumCards, 0, func() (float64, error) { return user.Float("payment_sources_count") })

	return x.finish()
}

// AccountAgeDays returns the whole days elapsed since user.created_at,
// floored. The second result is false when the user or timestamp is absent.
func AccountAgeDays(user domain.Record, now time.Time) (int64, bool) {
	if user.Empty() {
		return 0, false
	}
	created, ok := user.Time("created_at")
	if !ok {
		return 0, false
	}
	return int64(math.Floor(now.Sub(created).Hours() / hoursPerDay)), true
}

type extractor struct {
	vec       domain.FeatureVector
	defaulted []string
}

func (x *extractor) set(name string, v float64) {
	x.vec[name] = v
}

// float stores fn's result, or def when fn fails.
func (x *extractor) float(name string, def float64, fn func() (float64, error)) float64 {
	v, err := fn()
	if err != nil {
		x.defaulted = append(x.defaulted, name)
		v = def
	}
	x.vec[name] = v
	return v
}

// finish replaces non-finite values with 0.
func (x *extractor) finish() Extraction {
	for k, v := range x.vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x.vec[k] = 0
			x.defaulted = append(x.defaulted, k)
		}
	}
	sort.Strings(x.defaulted)
	return Extraction{Vector: x.vec, Defaulted: x.defaulted}
}
