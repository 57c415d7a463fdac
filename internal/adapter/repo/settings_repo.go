package repo

import (
	"context"
	"fmt"

	"fitpipe/internal/domain"
	"fitpipe/internal/infra"
	"fitpipe/internal/sqlinline"
)

// SettingsRepositoryPG reads platform pricing from the platform_settings row,
// falling back to the configured defaults when the row is absent.
type SettingsRepositoryPG struct {
	sql      infra.SQLExecutor
	defaults domain.PlatformSettings
}

func NewSettingsRepository(sql infra.SQLExecutor, defaults domain.PlatformSettings) *SettingsRepositoryPG {
	return &SettingsRepositoryPG{sql: sql, defaults: defaults}
}

func (r *SettingsRepositoryPG) Settings(ctx context.Context) (domain.PlatformSettings, error) {
	var s domain.PlatformSettings
	row := r.sql.QueryRow(ctx, sqlinline.QSelectPlatformSettings)
	if err := row.Scan(&s.ImageTokenPrice, &s.VideoTokenPrice); err != nil {
		if infra.IsNoRows(err) {
			return r.defaults, nil
		}
		return domain.PlatformSettings{}, fmt.Errorf("select platform settings: %w", err)
	}
	return s, nil
}

// Save replaces the stored prices.
func (r *SettingsRepositoryPG) Save(ctx context.Context, s domain.PlatformSettings) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QUpsertPlatformSettings, s.ImageTokenPrice, s.VideoTokenPrice); err != nil {
		return fmt.Errorf("upsert platform settings: %w", err)
	}
	return nil
}

// StaticSettings serves fixed prices, typically from configuration.
type StaticSettings domain.PlatformSettings

func (s StaticSettings) Settings(context.Context) (domain.PlatformSettings, error) {
	return domain.PlatformSettings(s), nil
}

var (
	_ domain.SettingsProvider = (*SettingsRepositoryPG)(nil)
	_ domain.SettingsProvider = StaticSettings{}
)
