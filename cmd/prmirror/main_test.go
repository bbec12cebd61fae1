package main

import (
	"strings"
	"testing"
)

func TestValidateRepositories(t *testing.T) {
	tests := []struct {
		name        string
		repos       []string
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid single",
			repos:   []string{"owner/repo"},
			wantErr: false,
		},
		{
			name:    "valid multiple",
			repos:   []string{"my-org/my-repo", "my_org/my_repo"},
			wantErr: false,
		},
		{
			name:        "empty list",
			repos:       nil,
			wantErr:     true,
			errContains: "no repositories",
		},
		{
			name:        "missing slash",
			repos:       []string{"ownerrepo"},
			wantErr:     true,
			errContains: "owner/repo",
		},
		{
			name:        "empty owner",
			repos:       []string{"/repo"},
			wantErr:     true,
			errContains: "owner/repo",
		},
		{
			name:        "empty name",
			repos:       []string{"owner/"},
			wantErr:     true,
			errContains: "owner/repo",
		},
		{
			name:        "one bad among good",
			repos:       []string{"owner/repo", "bad"},
			wantErr:     true,
			errContains: `"bad"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRepositories(tt.repos)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
