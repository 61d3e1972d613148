package master

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitten-ci/bitten/internal/listener"
	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/bitten-ci/bitten/pkg/protocol"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// SubmitStep records the result of one recipe step of build id. When the
// step ends the build, the build's final status is computed.
func (m *Master) SubmitStep(ctx context.Context, id int64, body []byte, peer Peer) (*models.BuildStep, error) {
	result, err := protocol.ParseResult(body)
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "XML parser error: %v", err)
	}
	started, err := result.Started()
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "Invalid step time %q", result.Time)
	}
	elapsed, err := result.Elapsed()
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "Invalid step duration %q", result.Duration)
	}
	if result.Status != protocol.StatusSuccess && result.Status != protocol.StatusFailure {
		return nil, errorf(http.StatusBadRequest, "Invalid step status %q", result.Status)
	}

	var step *models.BuildStep
	var config string
	err = m.transaction(ctx, func(tx *store.Store, emit func(listener.Type, *models.Build)) error {
		b, err := loadBuild(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorize(b, peer); err != nil {
			return err
		}
		config = b.Config

		if _, err := tx.GetStep(ctx, b.ID, result.Step); err == nil {
			return errorf(http.StatusConflict, "Step %s already exists", result.Step)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		cfg, err := tx.GetConfig(ctx, b.Config)
		if err != nil {
			return err
		}
		rc, err := recipe.Parse([]byte(cfg.Recipe))
		if err != nil {
			return fmt.Errorf("recipe of config %s: %w", cfg.Name, err)
		}
		index := rc.Index(result.Step)
		if index < 0 {
			return errorf(http.StatusForbidden, "No such step %s", result.Step)
		}

		step = &models.BuildStep{
			Build:       b.ID,
			Name:        result.Step,
			Description: rc.Steps[index].Description,
			Status:      models.StepSuccess,
			Started:     started.Unix(),
			Stopped:     started.Add(elapsed).Unix(),
		}
		if result.Status == protocol.StatusFailure {
			step.Status = models.StepFailure
		}
		for _, e := range result.Errors {
			step.Errors = append(step.Errors, e.Message)
		}
		if err := tx.InsertStep(ctx, step); err != nil {
			if errors.Is(err, store.ErrExists) {
				return errorf(http.StatusConflict, "Step %s already exists", result.Step)
			}
			return err
		}

		if err := m.recordResults(ctx, tx, b, cfg, result); err != nil {
			return err
		}

		recorded, err := tx.ListSteps(ctx, b.ID)
		if err != nil {
			return err
		}
		b.LastActivity = m.now().Unix()
		if isLastStep(rc, index, step, recorded) {
			b.Stopped = step.Stopped
			b.Status = buildStatus(rc, recorded)
			log.Info("build completed", "build", b.ID, "config", b.Config, "rev", b.Rev, "status", b.Status)
			emit(listener.BuildCompleted, b)
		}
		return tx.UpdateBuild(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	metrics.StepsTotal.WithLabelValues(config, string(step.Status)).Inc()
	return step, nil
}

// isLastStep reports whether step ends the build: it is the final recipe
// step, or it failed under onerror="fail" and no later step has been
// recorded.
func isLastStep(rc *recipe.Recipe, index int, step *models.BuildStep, recorded []models.BuildStep) bool {
	if index == len(rc.Steps)-1 {
		return true
	}
	if step.Status != models.StepFailure || rc.Steps[index].OnError != recipe.Fail {
		return false
	}
	for _, s := range recorded {
		if rc.Index(s.Name) > index {
			return false
		}
	}
	return true
}

// buildStatus is FAILURE when any recorded step failed under an onerror
// policy other than ignore.
func buildStatus(rc *recipe.Recipe, recorded []models.BuildStep) models.BuildStatus {
	for _, s := range recorded {
		if s.Status != models.StepFailure {
			continue
		}
		if def := rc.Step(s.Name); def == nil || def.OnError != recipe.Ignore {
			return models.BuildFailure
		}
	}
	return models.BuildSuccess
}

func (m *Master) recordResults(ctx context.Context, tx *store.Store, b *models.Build, cfg *models.BuildConfig, result *protocol.Result) error {
	for i, l := range result.Logs {
		entry := &models.BuildLog{Build: b.ID, Step: result.Step, Generator: l.Generator, OrderNo: i}
		for _, msg := range l.Messages {
			entry.Messages = append(entry.Messages, models.LogMessage{Level: msg.Level, Message: msg.Text})
		}
		if err := tx.InsertLog(ctx, entry); err != nil {
			return err
		}
	}

	for _, r := range result.Reports {
		report := &models.Report{
			Build:     b.ID,
			Step:      result.Step,
			Category:  r.Category,
			Generator: r.Generator,
			Items:     reportItems(r.Items),
		}
		if err := tx.InsertReport(ctx, report); err != nil {
			switch {
			case errors.Is(err, store.ErrExists):
				return errorf(http.StatusConflict, "Report %s of step %s already exists", r.Category, result.Step)
			case errors.Is(err, store.ErrInvalid):
				return errorf(http.StatusBadRequest, "Invalid report: %v", err)
			}
			return err
		}
	}

	for _, a := range result.Attachments {
		for _, f := range a.Files {
			content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(f.Content))
			if err != nil {
				return errorf(http.StatusBadRequest, "Invalid attachment %s: %v", f.Filename, err)
			}
			att := &models.Attachment{
				ParentKind:  models.AttachToBuild,
				ParentID:    fmt.Sprint(b.ID),
				Filename:    f.Filename,
				Description: f.Description,
				Created:     m.now().Unix(),
			}
			if f.Resource == models.AttachToConfig {
				att.ParentKind, att.ParentID = models.AttachToConfig, cfg.Name
			}
			if err := tx.PutAttachment(ctx, att, bytes.NewReader(content)); err != nil {
				if errors.Is(err, store.ErrInvalid) {
					return errorf(http.StatusBadRequest, "Invalid attachment %s: %v", f.Filename, err)
				}
				return err
			}
		}
	}
	return nil
}

// reportItems flattens report elements: the element name becomes the
// item type, attributes and the text of child elements become values.
func reportItems(elems []*xmlio.Element) []map[string]string {
	items := make([]map[string]string, 0, len(elems))
	for _, e := range elems {
		item := map[string]string{"type": e.Name.Local}
		for _, a := range e.Attrs {
			item[a.Name.Local] = a.Value
		}
		for _, child := range e.Children {
			item[child.Name.Local] = child.Gettext()
		}
		items = append(items, item)
	}
	return items
}
