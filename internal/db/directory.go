package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/logging"
	"github.com/tacos8me/calldoc/internal/models"
)

// Directory resolves extensions to agents from the agents table, with an
// in-memory cache in front of it.
type Directory struct {
	db     *sql.DB
	log    logrus.FieldLogger
	static map[string]string

	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewDirectory creates a directory. static maps extensions to agent names
// and is written to the agents table by Load.
func NewDirectory(db *DB, static map[string]string, log logrus.FieldLogger) *Directory {
	return &Directory{
		db:     db.DB,
		log:    logging.Component(log, "directory"),
		static: static,
		agents: make(map[string]*models.Agent),
	}
}

// Load writes the static agents and caches every active agent.
func (d *Directory) Load(ctx context.Context) error {
	for ext, name := range d.static {
		if _, err := d.AddAgent(ctx, ext, name); err != nil {
			return fmt.Errorf("failed to add agent %s: %w", ext, err)
		}
	}

	rows, err := d.db.QueryContext(ctx, "SELECT id, name, extension FROM agents WHERE active = TRUE")
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[string]*models.Agent)
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Extension); err != nil {
			return err
		}
		loaded[a.Extension] = &a
	}
	if err := rows.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	d.agents = loaded
	d.mu.Unlock()

	d.log.WithField("agents", len(loaded)).Info("agent directory loaded")
	return nil
}

// AddAgent creates or renames the agent owning ext.
func (d *Directory) AddAgent(ctx context.Context, ext, name string) (*models.Agent, error) {
	if ext == "" || name == "" {
		return nil, fmt.Errorf("agent extension and name are required")
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO agents (extension, name, active)
		VALUES (?, ?, TRUE)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			name = VALUES(name),
			active = TRUE`, ext, name)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	a := &models.Agent{ID: id, Name: name, Extension: ext}
	d.mu.Lock()
	d.agents[ext] = a
	d.mu.Unlock()
	return a, nil
}

// ResolveAgent returns the agent owning ext. Extensions nobody owns get a
// synthetic placeholder named after the extension.
func (d *Directory) ResolveAgent(ctx context.Context, ext string) (*models.Agent, error) {
	d.mu.RLock()
	a, ok := d.agents[ext]
	d.mu.RUnlock()
	if ok {
		cp := *a
		return &cp, nil
	}

	var found models.Agent
	err := d.db.QueryRowContext(ctx,
		"SELECT id, name, extension FROM agents WHERE extension = ? AND active = TRUE", ext).
		Scan(&found.ID, &found.Name, &found.Extension)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &models.Agent{Name: "Extension " + ext, Extension: ext, Synthetic: true}, nil
	case err != nil:
		return nil, err
	}

	d.mu.Lock()
	d.agents[ext] = &found
	d.mu.Unlock()
	cp := found
	return &cp, nil
}

// Agents returns the cached agents ordered by extension.
func (d *Directory) Agents() []models.Agent {
	d.mu.RLock()
	out := make([]models.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, *a)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out
}
