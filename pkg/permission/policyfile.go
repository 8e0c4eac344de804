package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// policyRule matches by glob on subject, tenant, and tool, with an
// optional semver constraint. First match wins.
type policyRule struct {
	Subject    string `json:"subject"`
	Tenant     string `json:"tenant,omitempty"`
	Tool       string `json:"tool"`
	Versions   string `json:"versions,omitempty"`
	Effect     string `json:"effect"` // allow or deny
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type policyDocument struct {
	Default string       `json:"default"` // allow or deny; deny when unset
	Rules   []policyRule `json:"rules"`
}

// PolicyFileOracle answers authorization questions from a JSON policy
// file on disk. The file is the local stand-in for a remote policy
// service; operators edit it in place and the watcher picks the change
// up without a restart.
type PolicyFileOracle struct {
	path string

	mu     sync.RWMutex
	policy policyDocument

	onChange func()
}

// NewPolicyFileOracle loads the policy file. A missing file yields an
// empty default-deny policy rather than an error, so a fresh install
// denies until the operator writes rules.
func NewPolicyFileOracle(path string) (*PolicyFileOracle, error) {
	o := &PolicyFileOracle{path: path}
	if err := o.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Warn().Str("path", path).Msg("Policy file missing, all oracle checks will deny")
		o.policy = policyDocument{Default: "deny"}
	}
	return o, nil
}

// Reload re-reads the policy file
func (o *PolicyFileOracle) Reload() error {
	raw, err := os.ReadFile(o.path)
	if err != nil {
		return err
	}

	var doc policyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse policy file %s: %w", o.path, err)
	}

	o.mu.Lock()
	o.policy = doc
	o.mu.Unlock()

	log.Info().Str("path", o.path).Int("rules", len(doc.Rules)).Msg("Policy file loaded")
	return nil
}

// SetOnChange registers a callback invoked after each successful reload
// from the file watcher. The checker purges its decision cache here.
func (o *PolicyFileOracle) SetOnChange(fn func()) {
	o.onChange = fn
}

// Watch follows the policy file until ctx is cancelled. The parent
// directory is watched rather than the file itself so atomic
// write-then-rename updates are seen.
func (o *PolicyFileOracle) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	dir := filepath.Dir(o.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(o.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := o.Reload(); err != nil {
					log.Error().Err(err).Msg("Policy reload failed, keeping previous policy")
					continue
				}
				if o.onChange != nil {
					o.onChange()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Policy watcher error")
			}
		}
	}()

	return nil
}

// Authorize implements Oracle
func (o *PolicyFileOracle) Authorize(ctx context.Context, req AuthRequest) (OracleDecision, error) {
	if err := ctx.Err(); err != nil {
		return OracleDecision{}, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	for i, rule := range o.policy.Rules {
		if !globMatch(rule.Subject, req.Subject) {
			continue
		}
		if !globMatch(rule.Tenant, req.TenantID) {
			continue
		}
		if !globMatch(rule.Tool, req.ToolID) {
			continue
		}
		if rule.Versions != "" && !versionMatch(rule.Versions, req.ToolVersion) {
			continue
		}

		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("policy rule %d", i)
		}
		return OracleDecision{
			Allowed: rule.Effect == "allow",
			Reason:  reason,
			TTL:     time.Duration(rule.TTLSeconds) * time.Second,
		}, nil
	}

	if o.policy.Default == "allow" {
		return OracleDecision{Allowed: true, Reason: "policy default"}, nil
	}
	return OracleDecision{Allowed: false, Reason: "no policy rule matches"}, nil
}

// globMatch treats empty and "*" as match-all, otherwise path.Match
// semantics. A malformed pattern matches nothing.
func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func versionMatch(constraint, version string) bool {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}
