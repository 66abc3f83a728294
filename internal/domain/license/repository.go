package license

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	GetByUserProduct(ctx context.Context, userID, productID uuid.UUID) (*License, error)
	Save(ctx context.Context, l *License) error
	ListByOrigin(ctx context.Context, orderID uuid.UUID) ([]*License, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*License, error)
}
