package queue

import (
	"context"
	"regexp"
	"slices"

	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/pkg/log"
)

// RegisterSlave records name against every target platform of every
// active config whose rules all match properties. It reports whether any
// platform matched.
func (q *Queue) RegisterSlave(ctx context.Context, name string, properties map[string]string) (bool, error) {
	configs, err := q.store.ListConfigs(ctx, false)
	if err != nil {
		return false, err
	}

	var matched []*models.TargetPlatform
	for _, cfg := range configs {
		platforms, err := q.store.ListPlatforms(ctx, cfg.Name)
		if err != nil {
			return false, err
		}
		for i := range platforms {
			p := &platforms[i]
			if !Matches(p, properties) {
				continue
			}
			log.Debug("slave matched target platform",
				"slave", name,
				"platform", p.Name,
				"config", cfg.Name,
			)
			matched = append(matched, p)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range matched {
		if slices.Contains(q.slaves[p.ID], name) {
			continue
		}
		q.slaves[p.ID] = append(q.slaves[p.ID], name)
		metrics.SlavesRegistered.WithLabelValues(platformLabel(p.ID)).Inc()
	}
	return len(matched) > 0, nil
}

// UnregisterSlave removes name from every platform. It reports whether the
// slave was registered at all. Builds cancelled by their slave or reset
// for silence unregister it; a later greeting registers it again.
func (q *Queue) UnregisterSlave(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for id, names := range q.slaves {
		if i := slices.Index(names, name); i >= 0 {
			q.slaves[id] = slices.Delete(names, i, i+1)
			metrics.SlavesRegistered.WithLabelValues(platformLabel(id)).Dec()
			found = true
		}
	}
	return found
}

// Slaves returns the slaves registered for a platform in dispatch order.
func (q *Queue) Slaves(platform int64) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.slaves[platform])
}

// pick returns the first registered slave of platform that is also
// available, rotating it to the end of the list.
func (q *Queue) pick(platform int64, available []string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := q.slaves[platform]
	for i, name := range names {
		if !slices.Contains(available, name) {
			continue
		}
		rest := slices.Delete(slices.Clone(names), i, i+1)
		q.slaves[platform] = append(rest, name)
		return name
	}
	return ""
}

// Matches reports whether every rule of p matches the corresponding
// property. Patterns are anchored at the start and case-insensitive; a
// missing property or an invalid pattern never matches.
func Matches(p *models.TargetPlatform, properties map[string]string) bool {
	for _, rule := range p.Rules {
		if rule.Property == "" {
			continue
		}
		value := properties[rule.Property]
		if value == "" {
			return false
		}
		re, err := regexp.Compile(`(?i)^(?:` + rule.Pattern + `)`)
		if err != nil {
			log.Error("invalid platform matching pattern",
				"platform", p.Name,
				"property", rule.Property,
				"pattern", rule.Pattern,
				"error", err,
			)
			return false
		}
		if !re.MatchString(value) {
			return false
		}
	}
	return true
}
