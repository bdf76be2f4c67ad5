// Package doctor checks an accession configuration for problems that load-time
// validation does not catch: cross-field conflicts, unknown roles and
// storage placed on network filesystems.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
	// checkFS is storage.CheckLocalFilesystem outside tests.
	checkFS func(path, setting string) error
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, checkFS: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateStorage(r)
	d.validateIngest(r)
	d.validatePrincipals(r)
	d.validateMail(r)
	d.validateAPI(r)
	d.validateBlobs(r)
	d.validateHooks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStorage rejects state and queue directories on network mounts.
func (d *Doctor) validateStorage(r *Result) {
	for _, target := range []struct{ path, field string }{
		{d.cfg.State.Path, "state.path"},
		{d.cfg.Queue.Root, "queue.root"},
	} {
		if err := d.checkFS(target.path, target.field); err != nil {
			d.addError(r, "storage", target.field, err.Error())
		}
	}
	if strings.TrimSpace(d.cfg.Mutations.DumpDir) == "" {
		d.addError(r, "storage", "mutations.dump_dir", "dump_dir is required to record interrupted mutations")
	}
}

func (d *Doctor) validateIngest(r *Result) {
	in := d.cfg.Ingest
	if in.CallTimeout <= 0 {
		d.addError(r, "ingest", "ingest.call_timeout", "call_timeout must be positive")
	}
	if in.HaltTimeout <= 0 {
		d.addWarning(r, "ingest", "ingest.halt_timeout",
			"halt_timeout is not positive; pausing cancels the active batch immediately")
	}
	if in.CallTimeout > 0 && in.ExistenceTimeout > 0 && in.ExistenceTimeout < in.CallTimeout {
		d.addWarning(r, "ingest", "ingest.existence_timeout",
			fmt.Sprintf("existence_timeout (%s) is shorter than call_timeout (%s); timed-out ingests may fail before the object appears",
				in.ExistenceTimeout, in.CallTimeout))
	}
}

var knownRoles = map[string]struct{}{
	auth.RoleAdmin:    {},
	auth.RoleCurator:  {},
	auth.RoleIngest:   {},
	auth.RoleOperator: {},
}

func (d *Doctor) validatePrincipals(r *Result) {
	if len(d.cfg.Principals) == 0 {
		d.addWarning(r, "principals", "principals", "no principals configured; every batch will fail to resolve its submitter")
		return
	}

	seen := make(map[string]int)
	for i, p := range d.cfg.Principals {
		field := fmt.Sprintf("principals[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			d.addError(r, "principals", field+".name", "name is required")
			continue
		}
		if prev, ok := seen[name]; ok {
			d.addError(r, "principals", field+".name",
				fmt.Sprintf("principal %q duplicates principals[%d]", name, prev))
		}
		seen[name] = i

		if len(p.Roles) == 0 {
			d.addWarning(r, "principals", field+".roles", fmt.Sprintf("principal %q has no roles", name))
		}
		curator := false
		for j, role := range p.Roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if _, ok := knownRoles[role]; !ok {
				d.addError(r, "principals", fmt.Sprintf("%s.roles[%d]", field, j),
					fmt.Sprintf("unknown role %q", p.Roles[j]))
			}
			if role == auth.RoleCurator || role == auth.RoleAdmin {
				curator = true
			}
		}
		if len(p.Containers) > 0 && !curator {
			d.addWarning(r, "principals", field+".containers",
				fmt.Sprintf("principal %q lists containers but holds no curator role; the restriction has no effect", name))
		}
	}
}

func (d *Doctor) validateMail(r *Result) {
	m := d.cfg.Mail
	if d.cfg.Ingest.SendEmail && !m.Enabled {
		d.addWarning(r, "mail", "ingest.send_email", "send_email is set but mail is disabled; no email will be sent")
	}
	if !m.Enabled {
		return
	}
	if m.Addr == "" {
		d.addError(r, "mail", "mail.addr", "addr is required when mail is enabled")
	}
	if m.From == "" {
		d.addError(r, "mail", "mail.from", "from is required when mail is enabled")
	}
	if m.User != "" && m.Pass == "" {
		d.addWarning(r, "env_vars", "mail.pass", "user is set but pass is empty (possibly unresolved environment variable)")
	}
	if d.cfg.Ingest.SendEmail {
		for i, p := range d.cfg.Principals {
			if p.Email == "" {
				d.addWarning(r, "mail", fmt.Sprintf("principals[%d].email", i),
					fmt.Sprintf("principal %q has no email; their batches send no completion email", p.Name))
			}
		}
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if key := d.cfg.API.APIKey; key != "" && len(key) < 16 {
		d.addWarning(r, "api", "api.api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) validateBlobs(r *Result) {
	b := d.cfg.Blobs
	if b.Backend != "s3" {
		return
	}
	if (b.AccessKey == "") != (b.SecretKey == "") {
		d.addError(r, "blobs", "blobs.secret_key",
			"access_key and secret_key must be set together (possibly unresolved environment variable)")
	}
	if b.Region == "" && b.Endpoint == "" {
		d.addWarning(r, "blobs", "blobs.region", "neither region nor endpoint set; relying on the AWS default chain")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Doctor) validateHooks(r *Result) {
	h := d.cfg.Hooks
	if h.Listen == "" {
		if len(h.Endpoints) > 0 {
			d.addWarning(r, "hooks", "hooks.listen", "hook endpoints are configured but hooks.listen is empty; hooks are off")
		}
		return
	}
	if h.Listen == d.cfg.API.Listen && d.cfg.API.Enabled {
		d.addError(r, "hooks", "hooks.listen", "hooks.listen must differ from api.listen")
	}
	for i, ep := range h.Endpoints {
		field := fmt.Sprintf("hooks.endpoints[%d]", i)
		if len(ep.Secret) < 16 {
			d.addWarning(r, "hooks", field+".secret", "hook secret is shorter than 16 characters")
		}
		if ep.StagingRoot == "" {
			d.addWarning(r, "hooks", field+".staging_root", "no staging_root; the hook accepts any absolute directory")
			continue
		}
		if info, err := os.Stat(ep.StagingRoot); err != nil || !info.IsDir() {
			d.addWarning(r, "hooks", field+".staging_root", fmt.Sprintf("staging_root %s is not a directory", ep.StagingRoot))
		}
	}
}
