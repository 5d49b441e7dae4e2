package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.yaml")
	content := []byte(`manifest_url: https://updates.example.com/v2/manifest.json
current_version_code: 41
download_dir: /var/tmp/breeze
install_command: ["dpkg", "-i", "{path}"]
transfer_workers: 2
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ManifestURL != "https://updates.example.com/v2/manifest.json" {
		t.Fatalf("ManifestURL = %q", cfg.ManifestURL)
	}
	if cfg.CurrentVersionCode != 41 {
		t.Fatalf("CurrentVersionCode = %d, want 41", cfg.CurrentVersionCode)
	}
	if cfg.ArtifactPath() != filepath.Join("/var/tmp/breeze", cfg.ArtifactName) {
		t.Fatalf("ArtifactPath = %q", cfg.ArtifactPath())
	}
	if len(cfg.InstallCommand) != 3 || cfg.InstallCommand[2] != "{path}" {
		t.Fatalf("InstallCommand = %v", cfg.InstallCommand)
	}
	if cfg.TransferWorkers != 2 {
		t.Fatalf("TransferWorkers = %d, want 2", cfg.TransferWorkers)
	}
	// untouched keys keep their defaults
	if cfg.ManifestTimeoutSeconds != Default().ManifestTimeoutSeconds {
		t.Fatalf("ManifestTimeoutSeconds = %d, want default", cfg.ManifestTimeoutSeconds)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.yaml")
	if err := os.WriteFile(path, []byte("current_version_code: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BREEZE_UPDATER_CURRENT_VERSION_CODE", "9")
	t.Setenv("BREEZE_UPDATER_MANIFEST_URL", "https://env.example.com/manifest.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CurrentVersionCode != 9 {
		t.Fatalf("CurrentVersionCode = %d, want 9 from env", cfg.CurrentVersionCode)
	}
	if cfg.ManifestURL != "https://env.example.com/manifest.json" {
		t.Fatalf("ManifestURL = %q, want env value", cfg.ManifestURL)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "updater.yaml")
	cfg := Default()
	cfg.ManifestURL = "https://updates.example.com/manifest.json"
	cfg.CurrentVersionCode = 7
	cfg.S3SecretAccessKey = "secret"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("config mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.CurrentVersionCode != 7 || loaded.ManifestURL != cfg.ManifestURL {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}
