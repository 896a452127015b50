package models

import "time"

const (
	DefaultMaxConcurrency     = 5
	DefaultDailyCostCap       = 50.0
	DefaultMaxTokensOutputCap = 8192
	DefaultMaxImageBytesCap   = 20_000_000
)

// RuntimeConfig is the per-tenant operating policy.
type RuntimeConfig struct {
	TenantID            string    `json:"tenant_id" db:"tenant_id"`
	MaxConcurrency      int       `json:"max_concurrency" db:"max_concurrency"`
	ForceFallbackModel  *string   `json:"force_fallback_model" db:"force_fallback_model"`
	ModelAllowList      []string  `json:"model_allow_list" db:"model_allow_list"`
	MaxTokensOutputCap  int       `json:"max_tokens_output_cap" db:"max_tokens_output_cap"`
	MaxImageBytesCap    int64     `json:"max_image_bytes_cap" db:"max_image_bytes_cap"`
	DailyCostCap        float64   `json:"daily_cost_cap" db:"daily_cost_cap"`
	DisabledPromptNames []string  `json:"disabled_prompt_names" db:"disabled_prompt_names"`
	UpdatedBy           string    `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

func DefaultRuntimeConfig(tenantID string, now time.Time) RuntimeConfig {
	return RuntimeConfig{
		TenantID:            tenantID,
		MaxConcurrency:      DefaultMaxConcurrency,
		ModelAllowList:      []string{},
		MaxTokensOutputCap:  DefaultMaxTokensOutputCap,
		MaxImageBytesCap:    DefaultMaxImageBytesCap,
		DailyCostCap:        DefaultDailyCostCap,
		DisabledPromptNames: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (c *RuntimeConfig) IsDisabled(name string) bool {
	for _, n := range c.DisabledPromptNames {
		if n == name {
			return true
		}
	}
	return false
}

// Allows reports whether model passes the allow-list. An empty list allows everything.
func (c *RuntimeConfig) Allows(model string) bool {
	if len(c.ModelAllowList) == 0 {
		return true
	}
	for _, m := range c.ModelAllowList {
		if m == model {
			return true
		}
	}
	return false
}

// RuntimeConfigPatch carries a partial update. Nil fields are left untouched.
// An empty ForceFallbackModel clears the override.
type RuntimeConfigPatch struct {
	MaxConcurrency      *int      `json:"max_concurrency,omitempty"`
	ForceFallbackModel  *string   `json:"force_fallback_model,omitempty"`
	ModelAllowList      *[]string `json:"model_allow_list,omitempty"`
	MaxTokensOutputCap  *int      `json:"max_tokens_output_cap,omitempty"`
	MaxImageBytesCap    *int64    `json:"max_image_bytes_cap,omitempty"`
	DailyCostCap        *float64  `json:"daily_cost_cap,omitempty"`
	DisabledPromptNames *[]string `json:"disabled_prompt_names,omitempty"`
}
