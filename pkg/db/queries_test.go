package db

import (
	"context"
	"testing"
)

func TestUserQueriesRequireUserID(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	q := database.Queries()
	ctx := context.Background()

	t.Run("GetExchangeAccountsByUser requires userID", func(t *testing.T) {
		_, err := q.GetExchangeAccountsByUser(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetExchangeAccountByID requires userID", func(t *testing.T) {
		_, err := q.GetExchangeAccountByID(ctx, "", "acct-1")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("CreateExchangeAccountEncrypted requires userID", func(t *testing.T) {
		err := q.CreateExchangeAccountEncrypted(ctx, ExchangeAccount{ID: "acct-1"})
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestUserQueriesDataIsolation(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	q := database.Queries()
	ctx := context.Background()

	userA := "user-a-123"
	userB := "user-b-456"

	acctA := ExchangeAccount{ID: "acct-a-1", UserID: userA, Exchange: "binance_spot", Label: "main", APIKey: "enc-a-key", APISecret: "enc-a-secret", KeyVersion: 1}
	acctB := ExchangeAccount{ID: "acct-b-1", UserID: userB, Exchange: "binance_spot", Label: "main", APIKey: "enc-b-key", APISecret: "enc-b-secret", KeyVersion: 1}

	if err := q.CreateExchangeAccountEncrypted(ctx, acctA); err != nil {
		t.Fatalf("failed to create account A: %v", err)
	}
	if err := q.CreateExchangeAccountEncrypted(ctx, acctB); err != nil {
		t.Fatalf("failed to create account B: %v", err)
	}

	t.Run("User A sees only their accounts", func(t *testing.T) {
		accounts, err := q.GetExchangeAccountsByUser(ctx, userA)
		if err != nil {
			t.Fatalf("failed to get accounts: %v", err)
		}
		if len(accounts) != 1 || accounts[0].ID != "acct-a-1" {
			t.Errorf("expected only acct-a-1, got %+v", accounts)
		}
	})

	t.Run("User B cannot read User A's account by ID", func(t *testing.T) {
		if _, err := q.GetExchangeAccountByID(ctx, userB, "acct-a-1"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Deactivating another user's account fails", func(t *testing.T) {
		if err := q.DeactivateExchangeAccount(ctx, "acct-a-1", userB); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Owner can deactivate their own account", func(t *testing.T) {
		if err := q.DeactivateExchangeAccount(ctx, "acct-a-1", userA); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		accounts, err := q.GetExchangeAccountsByUser(ctx, userA)
		if err != nil {
			t.Fatalf("failed to get accounts: %v", err)
		}
		if len(accounts) != 0 {
			t.Errorf("expected deactivated account to be excluded, got %+v", accounts)
		}
	})
}
