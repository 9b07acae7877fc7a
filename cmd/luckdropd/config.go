package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/bisonbotkit/config"

	"github.com/me-foundation/luckdrop/engine"
)

type LuckdropConfig struct {
	*config.BotConfig // Embed the base BotConfig

	HTTPPort string
	DBFile   string

	// Cosigner compressed pubkeys (hex, comma separated) seeded on a fresh
	// database.
	Cosigners []string

	// Accounts allowed to call admin entry points (hex short IDs).
	Admins []string

	Fees              engine.FeeConfig
	FeeSink           zkidentity.ShortID
	FundsSink         zkidentity.ShortID
	FeeSplitReceiver  zkidentity.ShortID
	FeeSplitBps       uint32
	MaxRewardMultiple uint64
}

func parseAtoms(m map[string]string, key string, def uint64) (uint64, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return n, nil
}

func parseBps(m map[string]string, key string, def uint32) (uint32, error) {
	n, err := parseAtoms(m, key, uint64(def))
	if err != nil {
		return 0, err
	}
	if n > engine.BpsDenom {
		return 0, fmt.Errorf("%s: %d bps exceeds %d", key, n, engine.BpsDenom)
	}
	return uint32(n), nil
}

func parseShortID(m map[string]string, key string) (zkidentity.ShortID, error) {
	var id zkidentity.ShortID
	v, ok := m[key]
	if !ok || v == "" {
		return id, nil
	}
	if err := id.FromString(v); err != nil {
		return id, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return id, nil
}

// LoadLuckdropConfig loads the base bot config plus the engine settings from
// its extra config section.
func LoadLuckdropConfig(dataDir, configFile string) (*LuckdropConfig, error) {
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}
	extra := baseConfig.ExtraConfig

	cfg := &LuckdropConfig{
		BotConfig: baseConfig,
		HTTPPort:  extra["httpport"],
		DBFile:    extra["dbfile"],
	}

	if v := extra["cosigners"]; v != "" {
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if b, err := hex.DecodeString(k); err != nil || len(b) != 33 {
				return nil, fmt.Errorf("invalid cosigner %q: expected 66 hex chars (33 bytes)", k)
			}
			cfg.Cosigners = append(cfg.Cosigners, k)
		}
	}
	if len(cfg.Cosigners) == 0 {
		return nil, fmt.Errorf("missing cosigners in %s", configFile)
	}
	if v := extra["admins"]; v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.Admins = append(cfg.Admins, a)
			}
		}
	}

	if cfg.Fees.ProtocolFeeBps, err = parseBps(extra, "protocolfeebps", 250); err != nil {
		return nil, err
	}
	if cfg.Fees.BulkPremiumBps, err = parseBps(extra, "bulkpremiumbps", 50); err != nil {
		return nil, err
	}
	if cfg.Fees.FlatFeeAtoms, err = parseAtoms(extra, "flatfeeatoms", 0); err != nil {
		return nil, err
	}
	if cfg.Fees.MinPriceAtoms, err = parseAtoms(extra, "minpriceatoms", 100_000); err != nil {
		return nil, err
	}
	if cfg.Fees.MaxPriceAtoms, err = parseAtoms(extra, "maxpriceatoms", 100_000_000_000); err != nil {
		return nil, err
	}
	if cfg.Fees.MinRewardAtoms, err = parseAtoms(extra, "minrewardatoms", 100_000); err != nil {
		return nil, err
	}
	if cfg.Fees.MaxRewardAtoms, err = parseAtoms(extra, "maxrewardatoms", 1_000_000_000_000); err != nil {
		return nil, err
	}
	if cfg.MaxRewardMultiple, err = parseAtoms(extra, "maxrewardmultiple", 0); err != nil {
		return nil, err
	}
	if cfg.FeeSplitBps, err = parseBps(extra, "feesplitbps", 0); err != nil {
		return nil, err
	}

	if cfg.FeeSink, err = parseShortID(extra, "feesink"); err != nil {
		return nil, err
	}
	if cfg.FundsSink, err = parseShortID(extra, "fundssink"); err != nil {
		return nil, err
	}
	if cfg.FeeSplitReceiver, err = parseShortID(extra, "feesplitreceiver"); err != nil {
		return nil, err
	}

	return cfg, nil
}
