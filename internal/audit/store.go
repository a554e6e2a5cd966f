package audit

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// OpenStore selects the ledger backend. The sql driver reuses repo, which
// may be nil for the other drivers.
func OpenStore(cfg domain.LedgerConfig, repo domain.LedgerStore) (domain.LedgerStore, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil

	case "sql", "":
		if repo == nil {
			return nil, fmt.Errorf("ledger driver sql needs a repository")
		}
		return repo, nil

	case "pebble":
		return repository.OpenPebbleLedger(cfg.PebblePath)

	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}
}
