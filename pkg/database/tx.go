package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxFunc — работа, выполняемая внутри одной транзакции. Единственный
// потребитель в ядре — manifest.Saver: манифест и его version edges
// должны попадать в каталог атомарно, иначе загрузчик на старте может
// увидеть версию без трансформеров.
type TxFunc func(tx pgx.Tx) error

// WithTransaction выполняет fn в транзакции: коммит при nil, откат при
// ошибке или панике (паника пробрасывается дальше).
func WithTransaction(ctx context.Context, db DB, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin manifest tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("manifest tx failed: %v (rollback: %w)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit manifest tx: %w", err)
	}
	return nil
}
