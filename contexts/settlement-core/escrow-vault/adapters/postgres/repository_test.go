package postgresadapter

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"
)

// Execute against a context that already carries a transaction must run fn in
// that transaction. A repository without a database connection proves it: if
// the nested call tried to open its own transaction it would dereference the
// nil handle instead of returning.
func TestExecuteJoinsTransactionInContext(t *testing.T) {
	repo := &Repository{}
	tx := &gorm.DB{}
	ctx := context.WithValue(context.Background(), txContextKey{}, tx)

	called := false
	err := repo.Execute(ctx, func(inner context.Context) error {
		called = true
		if repo.conn(inner) != tx {
			t.Fatalf("nested Execute did not keep the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatalf("fn was not invoked")
	}
}

func TestExecuteJoinedTransactionPropagatesError(t *testing.T) {
	repo := &Repository{}
	ctx := context.WithValue(context.Background(), txContextKey{}, &gorm.DB{})

	failure := errors.New("abort")
	if err := repo.Execute(ctx, func(context.Context) error { return failure }); !errors.Is(err, failure) {
		t.Fatalf("err = %v, want the inner failure", err)
	}
}
