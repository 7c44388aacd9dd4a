package customer

import "testing"

func TestCreateParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  CreateParams
		wantErr bool
	}{
		{
			name:   "valid",
			params: CreateParams{Identifier: "user-42", ProviderCustomerID: "9001", Email: "a@b.io"},
		},
		{
			name:    "blank identifier",
			params:  CreateParams{Identifier: "  ", ProviderCustomerID: "9001"},
			wantErr: true,
		},
		{
			name:    "missing provider id",
			params:  CreateParams{Identifier: "user-42"},
			wantErr: true,
		},
		{
			name:    "bad email",
			params:  CreateParams{Identifier: "user-42", ProviderCustomerID: "9001", Email: "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
