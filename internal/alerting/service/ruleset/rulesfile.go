package ruleset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RuleConfigFile is the YAML layout of the rules bootstrap file.
type RuleConfigFile struct {
	Rules []RuleConfigItem `yaml:"rules"`
}

// RuleConfigItem mirrors model.AlertRule; Enabled defaults to true when omitted.
type RuleConfigItem struct {
	ID                   string            `yaml:"id"`
	Name                 string            `yaml:"name"`
	Description          string            `yaml:"description"`
	Severity             model.Severity    `yaml:"severity"`
	Condition            model.Condition   `yaml:"condition"`
	Labels               map[string]string `yaml:"labels"`
	Annotations          map[string]string `yaml:"annotations"`
	Enabled              *bool             `yaml:"enabled"`
	NotificationChannels []string          `yaml:"notificationChannels"`
}

func (it RuleConfigItem) rule() model.AlertRule {
	enabled := true
	if it.Enabled != nil {
		enabled = *it.Enabled
	}
	return model.AlertRule{
		ID:                   it.ID,
		Name:                 it.Name,
		Description:          it.Description,
		Severity:             it.Severity,
		Condition:            it.Condition,
		Labels:               it.Labels,
		Annotations:          it.Annotations,
		Enabled:              enabled,
		NotificationChannels: it.NotificationChannels,
	}
}

// LoadRulesFile parses a rules YAML file.
func LoadRulesFile(path string) ([]model.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f RuleConfigFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	out := make([]model.AlertRule, 0, len(f.Rules))
	for _, it := range f.Rules {
		out = append(out, it.rule())
	}
	return out, nil
}

// ApplyRulesFile upserts every rule in path by id. Invalid entries are logged and skipped.
func (e *Engine) ApplyRulesFile(ctx context.Context, path string) (int, error) {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, r := range rules {
		if _, err := e.UpsertRule(ctx, r); err != nil {
			log.Error().Err(err).Str("rule_id", r.ID).Str("file", path).Msg("skip invalid rule from file")
			continue
		}
		applied++
	}
	log.Info().Str("file", path).Int("applied", applied).Int("total", len(rules)).Msg("alert rules file applied")
	return applied, nil
}

// WatchRulesFile re-applies path whenever it is written or recreated. It blocks until
// ctx is cancelled. The parent directory is watched so editor rename-on-save is seen.
func (e *Engine) WatchRulesFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve rules file path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				log.Debug().Str("event", event.Op.String()).Str("file", event.Name).Msg("rules file changed")
				if _, err := e.ApplyRulesFile(ctx, abs); err != nil {
					log.Error().Err(err).Str("file", abs).Msg("reload rules file failed")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("rules file watcher error")
		}
	}
}
