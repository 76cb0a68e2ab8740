package extractor

import (
	"context"
	"fmt"

	"github.com/your-org/imagemeta/pkg/storage/objectstore"
)

// Guard answers whether an artifact has already been written. It is advisory:
// two workers racing on one key may both see it absent.
type Guard struct {
	store objectstore.Client
}

func NewGuard(store objectstore.Client) *Guard {
	return &Guard{store: store}
}

// Exists reports whether metadataKey is present in bucket. Lookup failures
// other than absence are returned as errors.
func (g *Guard) Exists(ctx context.Context, bucket, metadataKey string) (bool, error) {
	ok, err := g.store.Exists(ctx, bucket, metadataKey)
	if err != nil {
		return false, fmt.Errorf("check %s/%s: %w", bucket, metadataKey, err)
	}
	return ok, nil
}
