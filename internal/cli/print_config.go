package cli

import "github.com/calvinalkan/stripsyms/internal/config"

func execPrintConfig(o *IO, cfg *config.Config) error {
	o.Println(cfg.Format())

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Explicit == "" {
		o.Println("(defaults only)")

		return nil
	}

	if cfg.Sources.Global != "" {
		o.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Explicit != "" {
		o.Println("explicit_config=" + cfg.Sources.Explicit)
	}

	return nil
}
