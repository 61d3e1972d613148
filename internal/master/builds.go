package master

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/bitten-ci/bitten/internal/listener"
	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/store"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/bitten-ci/bitten/pkg/protocol"
	"github.com/bitten-ci/bitten/pkg/xmlio"
)

// Assignment is a build handed to a slave.
type Assignment struct {
	Build *models.Build
	Token string
}

// CreateBuild registers the slave described by body and assigns it the
// next pending build it can run. It returns nil when there is no work.
func (m *Master) CreateBuild(ctx context.Context, body []byte, peer Peer) (*Assignment, error) {
	var slave protocol.Slave
	if err := xml.Unmarshal(body, &slave); err != nil {
		return nil, errorf(http.StatusBadRequest, "XML parser error: %v", err)
	}
	if slave.Name == "" {
		return nil, errorf(http.StatusBadRequest, "Missing slave name")
	}
	version, err := slave.ProtocolVersion()
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "Master-Slave version mismatch: master=%d, slave=%s",
			protocol.Version, slave.Version)
	}
	if version != protocol.Version {
		return nil, errorf(http.StatusBadRequest, "Master-Slave version mismatch: master=%d, slave=%d",
			protocol.Version, version)
	}

	if _, err := m.queue.Populate(ctx); err != nil {
		log.Warn("failed to populate build queue", "error", err)
	}

	props := slave.Properties()
	registered, err := m.queue.RegisterSlave(ctx, slave.Name, props)
	if err != nil {
		return nil, err
	}
	if !registered {
		log.Debug("slave matches no target platform", "slave", slave.Name)
		return nil, nil
	}

	info := map[string]string{}
	for _, key := range []string{models.InfoMachine, models.InfoProcessor, models.InfoOS, models.InfoFamily, models.InfoVersion} {
		info[key] = props[key]
	}
	info[models.InfoIPAddress] = peer.Addr
	info[models.InfoToken] = uuid.NewString()

	b, err := m.queue.Dispatch(ctx, slave.Name, info)
	if err != nil || b == nil {
		return nil, err
	}
	return &Assignment{Build: b, Token: info[models.InfoToken]}, nil
}

// RecipeDocument is a recipe prepared for a slave.
type RecipeDocument struct {
	Body     []byte
	Filename string
}

// Recipe returns the recipe of build id with the build's details filled
// into the root element, and marks the build started.
func (m *Master) Recipe(ctx context.Context, id int64, peer Peer) (*RecipeDocument, error) {
	var doc *RecipeDocument
	err := m.transaction(ctx, func(tx *store.Store, emit func(listener.Type, *models.Build)) error {
		b, err := loadBuild(ctx, tx, id)
		if err != nil {
			return err
		}
		if token := b.Info(models.InfoToken); token != "" && token != peer.Token {
			return errorf(http.StatusConflict, "Token mismatch (wrong slave): slave=%s, build=%s", peer.Token, token)
		}
		if b.Status != models.BuildInProgress {
			return errorf(http.StatusConflict, "Build %d is not in progress", b.ID)
		}

		cfg, err := tx.GetConfig(ctx, b.Config)
		if err != nil {
			return err
		}
		platform, err := tx.GetPlatform(ctx, b.Platform)
		if err != nil {
			return err
		}

		root, err := xmlio.Parse([]byte(cfg.Recipe))
		if err != nil {
			return fmt.Errorf("recipe of config %s: %w", cfg.Name, err)
		}
		root.SetAttr("path", cfg.Path)
		root.SetAttr("revision", b.Rev)
		root.SetAttr("config", cfg.Name)
		root.SetAttr("build", strconv.FormatInt(b.ID, 10))
		root.SetAttr("platform", platform.Name)
		root.SetAttr("name", b.Slave)

		body, err := root.Bytes()
		if err != nil {
			return err
		}
		doc = &RecipeDocument{
			Body:     body,
			Filename: fmt.Sprintf("recipe_%s_r%s.xml", cfg.Name, b.Rev),
		}

		if b.Started == 0 {
			b.Started = m.now().Unix()
			b.LastActivity = b.Started
			if err := tx.UpdateBuild(ctx, b); err != nil {
				return err
			}
			log.Info("build started", "build", b.ID, "config", b.Config, "rev", b.Rev, "slave", b.Slave)
			emit(listener.BuildStarted, b)
		}
		return nil
	})
	return doc, err
}

// Cancel returns build id to the pending queue, discarding its results.
func (m *Master) Cancel(ctx context.Context, id int64) error {
	var slave string
	err := m.transaction(ctx, func(tx *store.Store, emit func(listener.Type, *models.Build)) error {
		b, err := loadBuild(ctx, tx, id)
		if err != nil {
			return err
		}
		slave = b.Slave
		if err := tx.ResetBuild(ctx, b); err != nil {
			return err
		}
		log.Info("build cancelled", "build", b.ID, "config", b.Config, "rev", b.Rev, "slave", slave)
		emit(listener.BuildAborted, b)
		return nil
	})
	if err != nil {
		return err
	}
	// the slave registers again with its next greeting
	if slave != "" {
		m.queue.UnregisterSlave(slave)
	}
	return nil
}

// Keepalive records that the owning slave is still working on build id.
func (m *Master) Keepalive(ctx context.Context, id int64, peer Peer) error {
	b, err := loadBuild(ctx, m.store, id)
	if err != nil {
		return err
	}
	if err := authorize(b, peer); err != nil {
		return err
	}
	return m.store.TouchBuild(ctx, id, m.now().Unix())
}

// Snapshot returns the path of the archive of build id's revision,
// creating it if necessary.
func (m *Master) Snapshot(ctx context.Context, id int64, peer Peer) (string, error) {
	if m.snapshots == nil {
		return "", errorf(http.StatusNotFound, "Snapshots are not available")
	}

	b, err := loadBuild(ctx, m.store, id)
	if err != nil {
		return "", err
	}
	if err := authorize(b, peer); err != nil {
		return "", err
	}
	cfg, err := m.store.GetConfig(ctx, b.Config)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errorf(http.StatusNotFound, "No such configuration (%s)", b.Config)
		}
		return "", err
	}

	mgr, err := m.snapshots.Manager(cfg.Name, cfg.Path)
	if err != nil {
		return "", err
	}
	path, err := mgr.Create(b.Rev).Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot of %s@%s: %w", cfg.Name, b.Rev, err)
	}
	return path, nil
}
