package session

import (
	"strings"
	"testing"

	appErrors "github.com/matheus3301/matchsync/pkg/errors"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"default profile", DefaultSessionName, false},
		{"work profile", "work-profile", false},
		{"second account", "alt_2", false},
		{"digits only", "42", false},
		{"longest allowed", strings.Repeat("m", MaxNameLen), false},
		{"empty", "", true},
		{"too long", strings.Repeat("m", MaxNameLen+1), true},
		{"upper case", "Work", true},
		{"leading hyphen", "-json", true},
		{"leading underscore", "_tmp", true},
		{"path traversal", "../main", true},
		{"nested path", "alt/2", true},
		{"dot", "alt.2", true},
		{"space", "work profile", true},
		{"email", "ana@matchsync", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !appErrors.HasCode(err, appErrors.CodeInvalidArgument) {
				t.Errorf("ValidateName(%q) code = %v, want invalid argument", tt.input, appErrors.CodeOf(err))
			}
		})
	}
}
