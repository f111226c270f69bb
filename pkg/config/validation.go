package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks cfg against the struct validation tags plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Metadata.Backend == "badger" && cfg.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required for the badger backend")
	}

	if cfg.Throttle.Enabled {
		if cfg.Throttle.Concurrency <= 0 {
			return fmt.Errorf("throttle.concurrency must be positive when throttling is enabled")
		}
		if cfg.Throttle.QueueTolerance < 0 {
			return fmt.Errorf("throttle.queue_tolerance must not be negative")
		}
	}

	if cfg.Storage.DefaultDurability > cfg.Storage.MaxObjectCopies {
		return fmt.Errorf("storage.default_durability %d exceeds storage.max_object_copies %d",
			cfg.Storage.DefaultDurability, cfg.Storage.MaxObjectCopies)
	}

	if pct := cfg.Placement.UtilizationPct; pct < 1 || pct > 100 {
		return fmt.Errorf("placement.utilization_pct %d out of range [1, 100]", pct)
	}
	if pct := cfg.Placement.OperatorUtilizationPct; pct < cfg.Placement.UtilizationPct || pct > 100 {
		return fmt.Errorf("placement.operator_utilization_pct %d must lie in [utilization_pct, 100]", pct)
	}

	for i, node := range cfg.StorageNodes {
		if node.StorageID == "" {
			return fmt.Errorf("storage_nodes[%d]: storage_id is required", i)
		}
		if node.Datacenter == "" {
			return fmt.Errorf("storage_nodes[%d]: datacenter is required", i)
		}
	}

	return nil
}
