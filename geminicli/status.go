package geminicli

import (
	"os"
	"path/filepath"

	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// GetStatus composes a snapshot for the host: install state, version,
// auth state, and current quota (spec.md §4.8). It runs no analysis,
// but it can wait on short subprocesses: binary resolution may run
// `which`/`where`, and the first version probe runs `<binary> --version`.
func (a *Analyzer) GetStatus() types.ModuleStatus {
	binaryPath, installed := a.locator.FindBinary()
	version, _ := a.locator.GetVersion()
	authMethod, authenticated := detectAuth()

	return types.ModuleStatus{
		Installed:     installed,
		Enabled:       a.cfg.Enabled,
		Authenticated: authenticated,
		Version:       version,
		AuthMethod:    authMethod,
		BinaryPath:    binaryPath,
		Quota:         a.limiter.GetQuotaStatus(),
		LastCheck:     a.nowFunc(),
	}
}

// detectAuth checks, in the order spec.md §4.8 mandates, for an API
// key env var, a Vertex AI credentials env var, then the CLI's own
// credentials file from a completed interactive login. First hit wins.
func detectAuth() (types.AuthMethod, bool) {
	if os.Getenv("GEMINI_API_KEY") != "" {
		return types.AuthAPIKey, true
	}
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		return types.AuthVertexAI, true
	}
	if credentialFileExists() {
		return types.AuthGoogleLogin, true
	}
	return "", false
}

func credentialFileExists() bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, ".gemini", "credentials.json"))
	return err == nil
}
