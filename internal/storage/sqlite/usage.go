package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eugener/warden/internal/accounting"
)

// SaveUsage upserts day-record snapshots in a single transaction. Snapshots
// carry running totals, so existing rows are overwritten, not summed.
func (s *Store) SaveUsage(ctx context.Context, records []accounting.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_days (credential_id, day, user_id, normalized_tokens, input_tokens,
		 output_tokens, request_count, cost_usd, model_breakdown, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id, day) DO UPDATE SET
		 user_id = excluded.user_id,
		 normalized_tokens = excluded.normalized_tokens,
		 input_tokens = excluded.input_tokens,
		 output_tokens = excluded.output_tokens,
		 request_count = excluded.request_count,
		 cost_usd = excluded.cost_usd,
		 model_breakdown = excluded.model_breakdown,
		 last_updated = excluded.last_updated`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		breakdown, err := jsonText(r.ModelBreakdown, len(r.ModelBreakdown) == 0)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.CredentialID, r.Day, optText(r.UserID), r.NormalizedTokens, r.InputTokens,
			r.OutputTokens, r.RequestCount, r.CostUSD, breakdown, stamp(r.LastUpdated),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadUsage returns day records on or after sinceDay (YYYY-MM-DD).
func (s *Store) LoadUsage(ctx context.Context, sinceDay string) ([]accounting.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT credential_id, day, user_id, normalized_tokens, input_tokens, output_tokens,
		 request_count, cost_usd, model_breakdown, last_updated
		 FROM usage_days WHERE day >= ? ORDER BY credential_id, day`, sinceDay,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (accounting.UsageRecord, error) {
		var r accounting.UsageRecord
		err := row.Scan(&r.CredentialID, &r.Day, optString(&r.UserID), &r.NormalizedTokens,
			&r.InputTokens, &r.OutputTokens, &r.RequestCount, &r.CostUSD,
			jsonValue(&r.ModelBreakdown), reqTime(&r.LastUpdated))
		return r, err
	})
}

// DeleteUsage removes day records by "credential:day" key.
func (s *Store) DeleteUsage(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM usage_days WHERE credential_id = ? AND day = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, k := range keys {
		i := strings.LastIndexByte(k, ':')
		if i < 0 {
			return fmt.Errorf("malformed usage key %q", k)
		}
		if _, err := stmt.ExecContext(ctx, k[:i], k[i+1:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveQuota upserts a credential's quota config.
func (s *Store) SaveQuota(ctx context.Context, credentialID string, q accounting.QuotaConfig) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO quotas (credential_id, daily_limit, monthly_limit, rpm_limit, tpm_limit, enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET
		 daily_limit = excluded.daily_limit,
		 monthly_limit = excluded.monthly_limit,
		 rpm_limit = excluded.rpm_limit,
		 tpm_limit = excluded.tpm_limit,
		 enabled = excluded.enabled,
		 updated_at = excluded.updated_at`,
		credentialID, q.DailyLimit, q.MonthlyLimit, q.RPMLimit, q.TPMLimit,
		bit(q.Enabled), stamp(time.Now()),
	)
	return err
}

// LoadQuotas returns every persisted quota config keyed by credential.
func (s *Store) LoadQuotas(ctx context.Context) (map[string]accounting.QuotaConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT credential_id, daily_limit, monthly_limit, rpm_limit, tpm_limit, enabled FROM quotas`)
	if err != nil {
		return nil, err
	}
	type row struct {
		id string
		q  accounting.QuotaConfig
	}
	list, err := collect(rows, func(rs rowScanner) (row, error) {
		var r row
		err := rs.Scan(&r.id, &r.q.DailyLimit, &r.q.MonthlyLimit, &r.q.RPMLimit, &r.q.TPMLimit, boolean(&r.q.Enabled))
		return r, err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]accounting.QuotaConfig, len(list))
	for _, r := range list {
		out[r.id] = r.q
	}
	return out, nil
}

// SaveRate upserts a conversion rate.
func (s *Store) SaveRate(ctx context.Context, r accounting.ConversionRate) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO conversion_rates (provider, model, input_rate, output_rate, base_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model) DO UPDATE SET
		 input_rate = excluded.input_rate,
		 output_rate = excluded.output_rate,
		 base_cost = excluded.base_cost,
		 updated_at = excluded.updated_at`,
		r.Provider, r.Model, r.InputRate, r.OutputRate, r.BaseCost, stamp(time.Now()),
	)
	return err
}

// LoadRates returns every persisted conversion rate.
func (s *Store) LoadRates(ctx context.Context) ([]accounting.ConversionRate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model, input_rate, output_rate, base_cost FROM conversion_rates ORDER BY provider, model`)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (accounting.ConversionRate, error) {
		var r accounting.ConversionRate
		err := row.Scan(&r.Provider, &r.Model, &r.InputRate, &r.OutputRate, &r.BaseCost)
		return r, err
	})
}
