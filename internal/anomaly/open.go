package anomaly

import (
	"fmt"

	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/repository"
)

// OpenStore returns the artifact store selected by cfg. The sql type shares
// repo's database.
func OpenStore(cfg domain.ModelStoreConfig, repo domain.Repository) (*ArtifactStore, error) {
	switch cfg.Type {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "./models"
		}
		fs, err := NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		return NewArtifactStore(fs, cfg.Name), nil
	case "sql":
		ms, err := repository.NewModelStore(repo)
		if err != nil {
			return nil, err
		}
		return NewArtifactStore(ms, cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported model store type: %s", cfg.Type)
	}
}
