package remote

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ghHostsConfig mirrors ~/.config/gh/hosts.yml.
type ghHostsConfig map[string]ghHost

type ghHost struct {
	OAuthToken string `yaml:"oauth_token"`
	User       string `yaml:"user"`
}

// GetToken discovers a GitHub token:
// 1. `gh auth token` (gh CLI with keyring storage)
// 2. ~/.config/gh/hosts.yml (older gh CLI format)
// 3. GITHUB_TOKEN environment variable
func GetToken() (string, error) {
	if token, err := tokenFromGhCLI(); err == nil && token != "" {
		return token, nil
	}

	if token, err := tokenFromGhConfig(); err == nil && token != "" {
		return token, nil
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token, nil
	}

	return "", fmt.Errorf("no GitHub token found: install gh CLI and run 'gh auth login', or set GITHUB_TOKEN env var")
}

func tokenFromGhCLI() (string, error) {
	output, err := exec.Command("gh", "auth", "token").Output()
	if err != nil {
		return "", fmt.Errorf("gh auth token failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func tokenFromGhConfig() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".config", "gh", "hosts.yml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read gh config: %w", err)
	}

	var config ghHostsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return "", fmt.Errorf("failed to parse gh config: %w", err)
	}

	if host, ok := config["github.com"]; ok && host.OAuthToken != "" {
		return host.OAuthToken, nil
	}

	return "", fmt.Errorf("no oauth_token found in gh config")
}
