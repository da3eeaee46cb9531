package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kumbupay/ledger-service/internal/repo"
	"gorm.io/gorm"
)

const refMaxAttempts = 5

// Generator hands out externally visible transaction references: a base-36
// millisecond prefix keeps them time-sortable, a random suffix keeps them
// unguessable. Collisions are retried against the store, never surfaced.
type Generator struct {
	repo repo.RepositoryInterface
}

func NewGenerator(r repo.RepositoryInterface) *Generator {
	return &Generator{repo: r}
}

// Next returns a reference unused within tx's view of the store.
func (g *Generator) Next(ctx context.Context, tx *gorm.DB) (string, error) {
	for i := 0; i < refMaxAttempts; i++ {
		ref := newReference()
		exists, err := g.repo.ReferenceExists(ctx, tx, ref)
		if err != nil {
			return "", err
		}
		if !exists {
			return ref, nil
		}
	}
	return "", fmt.Errorf("reference generation exhausted %d attempts", refMaxAttempts)
}

func newReference() string {
	ms := strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 36))
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return "TX" + ms + suffix
}
