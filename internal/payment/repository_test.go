package payment

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryLedger_AppendAndGet(t *testing.T) {
	repo := NewInMemoryLedgerRepository()
	ctx := context.Background()

	record := &PaymentRecord{
		EventID:         "evt-1",
		UserID:          "user-1",
		HostID:          "host-1",
		Amount:          5000,
		PlatformFee:     500,
		HostPayout:      4500,
		Currency:        "cad",
		PaymentIntentID: "pi_123",
		Status:          StatusSucceeded,
		PayoutStatus:    PayoutHeld,
	}

	if err := repo.Append(ctx, record); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if record.ID == "" {
		t.Fatal("Append() did not generate an id")
	}
	if record.CreatedAt == nil {
		t.Fatal("Append() did not set created_at")
	}

	got, err := repo.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Amount != 5000 || got.PlatformFee != 500 || got.HostPayout != 4500 {
		t.Errorf("GetByID() = %+v, fee split not preserved", got)
	}

	byIntent, err := repo.GetByIntentID(ctx, "pi_123")
	if err != nil {
		t.Fatalf("GetByIntentID() error = %v", err)
	}
	if byIntent.ID != record.ID {
		t.Errorf("GetByIntentID() id = %s, want %s", byIntent.ID, record.ID)
	}
}

func TestInMemoryLedger_NotFound(t *testing.T) {
	repo := NewInMemoryLedgerRepository()
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrPaymentRecordNotFound) {
		t.Errorf("GetByID() error = %v, want ErrPaymentRecordNotFound", err)
	}
	if _, err := repo.GetByIntentID(ctx, "pi_missing"); !errors.Is(err, ErrPaymentRecordNotFound) {
		t.Errorf("GetByIntentID() error = %v, want ErrPaymentRecordNotFound", err)
	}
	if err := repo.MarkPayoutReleased(ctx, "missing"); !errors.Is(err, ErrPaymentRecordNotFound) {
		t.Errorf("MarkPayoutReleased() error = %v, want ErrPaymentRecordNotFound", err)
	}
}

func TestInMemoryLedger_MarkPayoutReleasedIdempotent(t *testing.T) {
	repo := NewInMemoryLedgerRepository()
	ctx := context.Background()

	record := &PaymentRecord{
		EventID:         "evt-1",
		UserID:          "user-1",
		HostID:          "host-1",
		Amount:          1000,
		PlatformFee:     100,
		HostPayout:      900,
		Currency:        "usd",
		PaymentIntentID: "pi_release",
		Status:          StatusSucceeded,
		PayoutStatus:    PayoutHeld,
	}
	if err := repo.Append(ctx, record); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := repo.MarkPayoutReleased(ctx, record.ID); err != nil {
		t.Fatalf("MarkPayoutReleased() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, record.ID)
	if got.PayoutStatus != PayoutReleased {
		t.Fatalf("PayoutStatus = %s, want %s", got.PayoutStatus, PayoutReleased)
	}

	// Second release is a no-op success
	if err := repo.MarkPayoutReleased(ctx, record.ID); err != nil {
		t.Fatalf("second MarkPayoutReleased() error = %v", err)
	}
	got, _ = repo.GetByID(ctx, record.ID)
	if got.PayoutStatus != PayoutReleased {
		t.Errorf("PayoutStatus after second release = %s, want %s", got.PayoutStatus, PayoutReleased)
	}
}

func TestInMemoryLedger_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryLedgerRepository()
	ctx := context.Background()

	record := &PaymentRecord{
		EventID:         "evt-1",
		UserID:          "user-1",
		HostID:          "host-1",
		Amount:          1000,
		PlatformFee:     100,
		HostPayout:      900,
		Currency:        "usd",
		PaymentIntentID: "pi_copy",
		Status:          StatusSucceeded,
		PayoutStatus:    PayoutHeld,
	}
	if err := repo.Append(ctx, record); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, record.ID)
	got.Amount = 9999

	again, _ := repo.GetByID(ctx, record.ID)
	if again.Amount != 1000 {
		t.Errorf("stored record mutated through returned copy: amount = %d", again.Amount)
	}
}
