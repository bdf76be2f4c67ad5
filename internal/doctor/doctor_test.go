package doctor

import (
	"errors"
	"strings"
	"testing"

	"github.com/mattjoyce/accession/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Principals = []config.Principal{
		{Name: "alice", Email: "alice@example.org", Roles: []string{"curator"}, Containers: []string{"coll:1"}},
		{Name: "ops", Roles: []string{"operator"}},
	}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.checkFS = func(string, string) error { return nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_NetworkFilesystem(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig())
	d.checkFS = func(path, setting string) error {
		if setting == "queue.root" {
			return errors.New(setting + " is on a network filesystem (nfs)")
		}
		return nil
	}
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "storage", "queue.root")
}

func TestValidate_MissingDumpDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Mutations.DumpDir = " "
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "storage", "dump_dir")
}

func TestValidate_IngestTimeouts(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Ingest.CallTimeout = 0
	cfg.Ingest.HaltTimeout = 0
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "ingest", "call_timeout")
	assertHasWarning(t, r, "ingest", "halt_timeout")

	cfg = validConfig()
	cfg.Ingest.ExistenceTimeout = cfg.Ingest.CallTimeout / 2
	r = newDoctor(cfg).Validate()
	assertHasWarning(t, r, "ingest", "shorter than call_timeout")
}

func TestValidate_Principals(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Principals = append(cfg.Principals,
		config.Principal{Name: "alice", Roles: []string{"ingest"}},
		config.Principal{Name: "bob", Roles: []string{"janitor"}},
		config.Principal{Name: "carol", Roles: []string{"ingest"}, Containers: []string{"coll:2"}},
		config.Principal{Name: "dave"},
		config.Principal{Name: ""},
	)
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "principals", "duplicates principals[0]")
	assertHasError(t, r, "principals", `unknown role "janitor"`)
	assertHasError(t, r, "principals", "name is required")
	assertHasWarning(t, r, "principals", "no curator role")
	assertHasWarning(t, r, "principals", `"dave" has no roles`)
}

func TestValidate_RoleNamesAreCaseInsensitive(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Principals[0].Roles = []string{" Curator "}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_NoPrincipals(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Principals = nil
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "principals", "no principals")
}

func TestValidate_Mail(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Ingest.SendEmail = true
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "mail", "mail is disabled")

	cfg.Mail = config.MailConfig{Enabled: true, User: "relay"}
	r = newDoctor(cfg).Validate()
	assertHasError(t, r, "mail", "addr is required")
	assertHasError(t, r, "mail", "from is required")
	assertHasWarning(t, r, "env_vars", "pass is empty")
	assertHasWarning(t, r, "mail", `"ops" has no email`)
}

func TestValidate_API(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API = config.APIConfig{Enabled: true, Listen: "", APIKey: "short"}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "api", "api.listen")
	assertHasWarning(t, r, "api", "shorter than 16")
}

func TestValidate_S3Credentials(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Blobs = config.BlobsConfig{Backend: "s3", Bucket: "b", AccessKey: "AKIA"}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "blobs", "must be set together")
	assertHasWarning(t, r, "blobs", "AWS default chain")
}

func TestValidate_Hooks(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API = config.APIConfig{Enabled: true, Listen: "127.0.0.1:8080", APIKey: "a-long-enough-api-key"}
	cfg.Hooks = config.HooksConfig{
		Listen: "127.0.0.1:8080",
		Endpoints: []config.HookEndpoint{
			{Path: "/hooks/a", Secret: "short"},
			{Path: "/hooks/b", Secret: "a-long-enough-hook-secret", StagingRoot: t.TempDir()},
		},
	}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "hooks", "differ from api.listen")
	assertHasWarning(t, r, "hooks", "shorter than 16")
	assertHasWarning(t, r, "hooks", "no staging_root")

	cfg.Hooks.Listen = ""
	r = newDoctor(cfg).Validate()
	assertHasWarning(t, r, "hooks", "hooks are off")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}

	out = FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "odd"}},
	})
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [test] odd") {
		t.Fatalf("unexpected report: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
