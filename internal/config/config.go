package config

import (
	"fmt"
	"os"
	"time"

	"quiz-arena-service/internal/payout"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		// DevHeaders trusts X-User-ID / X-User-Role when no bearer token is sent. Never enable in production.
		DevHeaders bool `yaml:"dev_headers"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
		LockTTL  string `yaml:"lock_ttl"`
		CodeTTL  string `yaml:"code_ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Log  LogConfig `yaml:"log"`
	Game struct {
		CodeLength        int    `yaml:"code_length"`
		WaitingWindow     string `yaml:"waiting_window"`
		QuestionsPerMatch int    `yaml:"questions_per_match"`
		QuestionTimeLimit string `yaml:"question_time_limit"`
		AnswerGrace       string `yaml:"answer_grace"`
		QuestionCacheTTL  string `yaml:"question_cache_ttl"`
		LockAttempts      int    `yaml:"lock_attempts"`
		LockBackoff       string `yaml:"lock_backoff"`
	} `yaml:"game"`
	Payout struct {
		SoloMultiplier   string   `yaml:"solo_multiplier"`
		DuelFeeRate      string   `yaml:"duel_fee_rate"`
		LeagueFeeRate    string   `yaml:"league_fee_rate"`
		LeagueBracket    []string `yaml:"league_bracket"`
		DuelTimeTiebreak bool     `yaml:"duel_time_tiebreak"`
	} `yaml:"payout"`
	Sweeper struct {
		Enabled     *bool  `yaml:"enabled"`
		Schedule    string `yaml:"schedule"`
		Concurrency int    `yaml:"concurrency"`
		Batch       int    `yaml:"batch"`
	} `yaml:"sweeper"`
	Wallet struct {
		Accounts []WalletAccount `yaml:"accounts"`
	} `yaml:"wallet"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// WalletAccount seeds the development wallet.
type WalletAccount struct {
	UserID  string `yaml:"user_id"`
	Balance int64  `yaml:"balance"`
	Pin     string `yaml:"pin"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects payout terms that could not settle a match.
func (c Config) Validate() error {
	rules, err := c.PayoutRules()
	if err != nil {
		return err
	}
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("payout: %w", err)
	}
	if c.Game.CodeLength < 0 || c.Game.QuestionsPerMatch < 0 {
		return fmt.Errorf("game: negative sizes are not allowed")
	}
	return nil
}

// PayoutRules builds payout.Rules from the payout section; empty fields keep the defaults.
func (c Config) PayoutRules() (payout.Rules, error) {
	rules := payout.DefaultRules()
	var err error
	if rules.SoloMultiplier, err = decimalOr(c.Payout.SoloMultiplier, rules.SoloMultiplier); err != nil {
		return rules, fmt.Errorf("payout.solo_multiplier: %w", err)
	}
	if rules.DuelFeeRate, err = decimalOr(c.Payout.DuelFeeRate, rules.DuelFeeRate); err != nil {
		return rules, fmt.Errorf("payout.duel_fee_rate: %w", err)
	}
	if rules.LeagueFeeRate, err = decimalOr(c.Payout.LeagueFeeRate, rules.LeagueFeeRate); err != nil {
		return rules, fmt.Errorf("payout.league_fee_rate: %w", err)
	}
	if len(c.Payout.LeagueBracket) > 0 {
		bracket := make([]decimal.Decimal, 0, len(c.Payout.LeagueBracket))
		for _, raw := range c.Payout.LeagueBracket {
			share, err := decimal.NewFromString(raw)
			if err != nil {
				return rules, fmt.Errorf("payout.league_bracket: %w", err)
			}
			bracket = append(bracket, share)
		}
		rules.LeagueBracket = bracket
	}
	rules.DuelTimeTiebreak = c.Payout.DuelTimeTiebreak
	return rules, nil
}

// SweeperEnabled defaults to true when unset.
func (c Config) SweeperEnabled() bool {
	return c.Sweeper.Enabled == nil || *c.Sweeper.Enabled
}

func decimalOr(raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return fallback, nil
	}
	return decimal.NewFromString(raw)
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
