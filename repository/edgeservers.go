package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/edgevision/model-orchestrator/config"
)

// CreateEdgeServer inserts a new edge server record.
func (r *Repository) CreateEdgeServer(s *config.EdgeServer) error {
	if err := r.db.Create(s).Error; err != nil {
		return wrapDB(err, "failed to create edge server")
	}
	return nil
}

// GetEdgeServer retrieves an edge server by ID.
func (r *Repository) GetEdgeServer(id string) (*config.EdgeServer, error) {
	var s config.EdgeServer
	if err := r.db.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("edge server", id)
		}
		return nil, wrapDB(err, "failed to get edge server")
	}
	return &s, nil
}

// GetEdgeServerByEdgeID retrieves an edge server by its external edge
// identifier, or nil if unknown.
func (r *Repository) GetEdgeServerByEdgeID(edgeID string) (*config.EdgeServer, error) {
	var s config.EdgeServer
	if err := r.db.Where("edge_id = ?", edgeID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapDB(err, "failed to get edge server by edge id")
	}
	return &s, nil
}

// SaveEdgeServer persists changes to an existing edge server row.
func (r *Repository) SaveEdgeServer(s *config.EdgeServer) error {
	if err := r.db.Save(s).Error; err != nil {
		return wrapDB(err, "failed to save edge server")
	}
	return nil
}

// ListOnlineTargetsAll returns every edge server currently marked online.
func (r *Repository) ListOnlineTargetsAll() ([]config.EdgeServer, error) {
	var servers []config.EdgeServer
	if err := r.db.Where("online = ?", true).Find(&servers).Error; err != nil {
		return nil, wrapDB(err, "failed to list online edge servers")
	}
	return servers, nil
}

// ListOnlineTargets returns the online edge servers that advertise support
// for the given AI module.
func (r *Repository) ListOnlineTargets(aiModule string) ([]config.EdgeServer, error) {
	var servers []config.EdgeServer
	// AIModules is a JSON array of strings; match the quoted element so that
	// "face" does not match "face-mask".
	pattern := fmt.Sprintf(`%%"%s"%%`, aiModule)
	err := r.db.Where("online = ? AND ai_modules LIKE ?", true, pattern).
		Order("edge_id ASC").
		Find(&servers).Error
	if err != nil {
		return nil, wrapDB(err, "failed to list online targets")
	}
	return servers, nil
}
