package main

import (
	"context"
	"encoding/json"
)

type configsConfig struct {
	*rootConfig
}

func (cfg *configsConfig) Exec(ctx context.Context, args []string) error {
	snap, err := cfg.adminClient().Configs(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cfg.stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(snap)
}
