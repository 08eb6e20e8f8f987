package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	token, err := svc.Generate(&Operator{ID: "op-1", OrganizationID: "org-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	op, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if op.ID != "op-1" || op.OrganizationID != "org-1" || op.Email != "a@example.com" {
		t.Errorf("operator = %+v", op)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", time.Hour).Generate(&Operator{ID: "op-1", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := NewJWTService("secret-b", time.Hour).Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewJWTService("secret", time.Millisecond)
	token, err := svc.Generate(&Operator{ID: "op-1", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestGenerateRequiresOrganization(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	if _, err := svc.Generate(&Operator{ID: "op-1"}); err == nil {
		t.Fatal("expected error for missing organization")
	}
}

func TestOperatorContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := OperatorFrom(ctx); ok {
		t.Fatal("empty context must not carry an operator")
	}
	ctx = WithOperator(ctx, &Operator{ID: "op-1", OrganizationID: "org-1"})
	op, ok := OperatorFrom(ctx)
	if !ok || op.ID != "op-1" {
		t.Fatalf("operator = %+v ok = %v", op, ok)
	}
}
