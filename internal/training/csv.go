package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
)

const (
	// DefaultEmail stands in for rows without an email_domain.
	DefaultEmail = "nobody@example.com"

	// maxAgeDays keeps the synthesized created_at within time.Duration range.
	maxAgeDays = 100000
)

var (
	floatColumns = []string{"goal", "amount_raised"}
	intColumns   = []string{"updates_count", "donations_count", "refunds_count"}
)

// ReadCSV reads a headered CSV export into pairs. Any row that cannot be
// read or converted fails the whole read with ErrMalformedRow.
func ReadCSV(r io.Reader, now time.Time) ([]Pair, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedRow, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var pairs []Pair
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}

		row := make(map[string]string, len(header))
		for i, name := range header {
			if v := strings.TrimSpace(fields[i]); v != "" {
				row[name] = v
			}
		}

		campaign, user, err := RowToPair(row, now)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		pairs = append(pairs, Pair{Campaign: campaign, User: user})
	}

	if len(pairs) == 0 {
		return nil, ErrEmptyDataset
	}
	return pairs, nil
}

// RowToPair builds the campaign and creator documents for one CSV row.
// Counts become images and video_url the way the platform stores them.
// Without user_created_at, user.created_at is synthesized from
// user_account_age_days relative to now.
func RowToPair(row map[string]string, now time.Time) (campaign, user domain.Record, err error) {
	campaign = domain.Record{}
	for _, col := range floatColumns {
		v, err := parseFloat(row, col)
		if err != nil {
			return nil, nil, err
		}
		campaign[col] = v
	}
	for _, col := range intColumns {
		v, err := parseInt(row, col)
		if err != nil {
			return nil, nil, err
		}
		campaign[col] = v
	}

	images, err := parseInt(row, "images_count")
	if err != nil {
		return nil, nil, err
	}
	campaign["images"] = make([]any, images)

	videos, err := parseInt(row, "videos_count")
	if err != nil {
		return nil, nil, err
	}
	if videos > 0 {
		campaign["video_url"] = "y"
	}

	for _, col := range []string{"created_at", "payout_country", "title", "description", "creator_id"} {
		if v, ok := row[col]; ok {
			campaign[col] = v
		}
	}

	user = domain.Record{"email": DefaultEmail}
	for _, col := range []string{"user_total_campaigns", "payment_sources_count"} {
		v, err := parseInt(row, col)
		if err != nil {
			return nil, nil, err
		}
		user[strings.TrimPrefix(col, "user_")] = v
	}
	if v, ok := row["email_domain"]; ok {
		user["email"] = v
	}
	if v, ok := row["country"]; ok {
		user["country"] = v
	}

	switch {
	case row["user_created_at"] != "":
		user["created_at"] = row["user_created_at"]
	default:
		days := features.DefaultAccountAge
		if s, ok := row["user_account_age_days"]; ok {
			parsed, perr := strconv.ParseFloat(s, 64)
			if perr != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) || parsed < 0 || parsed > maxAgeDays {
				// an unreadable age leaves created_at unset
				return campaign, user, nil
			}
			days = parsed
		}
		user["created_at"] = now.Add(-time.Duration(days * float64(24*time.Hour))).UTC().Format(time.RFC3339)
	}

	return campaign, user, nil
}

func parseFloat(row map[string]string, col string) (float64, error) {
	s, ok := row[col]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, malformed(col, s, err)
	}
	return v, nil
}

// parseInt accepts integral floats such as "3.0", as spreadsheet exports write them.
func parseInt(row map[string]string, col string) (int64, error) {
	s, ok := row[col]
	if !ok {
		return 0, nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v < 0 {
			return 0, malformed(col, s, errors.New("negative count"))
		}
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, malformed(col, s, err)
	}
	if f < 0 || f != float64(int64(f)) {
		return 0, malformed(col, s, errors.New("not a whole number"))
	}
	return int64(f), nil
}

func malformed(col, value string, err error) error {
	return fmt.Errorf("%w: column %s: %q: %v", ErrMalformedRow, col, value, err)
}
