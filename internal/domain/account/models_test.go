package account

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidNature(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"checking", true},
		{"credit_card", true},
		{"savings", true},
		{"CHECKING", false},
		{"brokerage", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := IsValidNature(tt.input)
			if got != tt.want {
				t.Errorf("IsValidNature(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"EUR", true},
		{"USD", true},
		{"MDL", true},
		{"usd", false},
		{"US", false},
		{"", false},
		{"ABCD", false},
		{"E1R", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := IsValidCurrency(tt.input)
			if got != tt.want {
				t.Errorf("IsValidCurrency(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestUpsertParams_Validate(t *testing.T) {
	valid := UpsertParams{
		ConnectionID:      "1001",
		ProviderAccountID: "acc-1",
		Name:              "Main",
		Nature:            "checking",
		CurrencyCode:      "EUR",
		Balance:           decimal.RequireFromString("12.50"),
	}

	tests := []struct {
		name    string
		mutate  func(p *UpsertParams)
		wantErr error
	}{
		{"valid", func(p *UpsertParams) {}, nil},
		{"empty nature allowed", func(p *UpsertParams) { p.Nature = "" }, nil},
		{"missing natural id", func(p *UpsertParams) { p.ProviderAccountID = "" }, ErrMissingNaturalID},
		{"bad nature", func(p *UpsertParams) { p.Nature = "vault" }, ErrInvalidNature},
		{"bad currency", func(p *UpsertParams) { p.CurrencyCode = "euro" }, ErrInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
