// Package fleet maintains the edge-target roster. Edge servers register and
// keep themselves current through periodic heartbeats; rollouts resolve their
// target sets here.
package fleet

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgevision/model-orchestrator/config"
	"github.com/edgevision/model-orchestrator/models"
	"github.com/edgevision/model-orchestrator/repository"
)

// Registry resolves edge targets for rollouts.
type Registry struct {
	repo *repository.Repository

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a fleet registry over the edge_servers table.
func NewRegistry(repo *repository.Repository) *Registry {
	return &Registry{
		repo:     repo,
		stopChan: make(chan struct{}),
	}
}

// ListTargets returns the online edge servers that can run the given AI
// module.
func (r *Registry) ListTargets(ctx context.Context, aiModule string) ([]config.EdgeServer, error) {
	return r.repo.ListOnlineTargets(aiModule)
}

// GetTarget retrieves one edge server by ID.
func (r *Registry) GetTarget(ctx context.Context, id string) (*config.EdgeServer, error) {
	return r.repo.GetEdgeServer(id)
}

// Heartbeat upserts the roster entry for an edge server and marks it online.
func (r *Registry) Heartbeat(ctx context.Context, edgeID string, req *models.HeartbeatRequest) (*config.EdgeServer, error) {
	modulesJSON := "[]"
	if req.AIModules != nil {
		raw, err := json.Marshal(req.AIModules)
		if err == nil {
			modulesJSON = string(raw)
		}
	}

	now := time.Now()
	server, err := r.repo.GetEdgeServerByEdgeID(edgeID)
	if err != nil {
		return nil, err
	}

	if server == nil {
		server = &config.EdgeServer{
			ID:        uuid.New().String(),
			EdgeID:    edgeID,
			CreatedAt: now,
		}
		applyHeartbeat(server, req, modulesJSON, now)
		if err := r.repo.CreateEdgeServer(server); err != nil {
			return nil, err
		}
		log.Printf("Edge server %s registered (%s)", edgeID, server.Name)
		return server, nil
	}

	applyHeartbeat(server, req, modulesJSON, now)
	if err := r.repo.SaveEdgeServer(server); err != nil {
		return nil, err
	}
	return server, nil
}

func applyHeartbeat(server *config.EdgeServer, req *models.HeartbeatRequest, modulesJSON string, now time.Time) {
	if req.Name != "" {
		server.Name = req.Name
	}
	if req.AgentURL != "" {
		server.AgentURL = req.AgentURL
	}
	if req.EdgeVersion != "" {
		server.EdgeVersion = req.EdgeVersion
	}
	if req.AIModules != nil {
		server.AIModules = modulesJSON
	}
	server.Online = true
	server.LastSeenAt = &now
}

// Start begins the stale sweep loop: servers whose heartbeat has gone quiet
// are taken offline so rollouts stop targeting them.
func (r *Registry) Start(staleAfter, tick time.Duration) {
	r.wg.Add(1)
	go r.sweepLoop(staleAfter, tick)
	log.Printf("Fleet registry started - stale sweep tick %s, threshold %s", tick, staleAfter)
}

// Stop stops the stale sweep loop gracefully.
func (r *Registry) Stop() {
	close(r.stopChan)
	r.wg.Wait()
	log.Println("Fleet registry stopped")
}

func (r *Registry) sweepLoop(staleAfter, tick time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := r.MarkStale(context.Background(), staleAfter); err != nil {
				log.Printf("Stale sweep failed: %v", err)
			}
		}
	}
}

// MarkStale takes servers offline when their last heartbeat is older than
// the threshold. Returns the number of servers taken offline.
func (r *Registry) MarkStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	servers, err := r.repo.ListOnlineTargetsAll()
	if err != nil {
		return 0, err
	}

	stale := 0
	for i := range servers {
		s := &servers[i]
		if s.LastSeenAt != nil && s.LastSeenAt.After(cutoff) {
			continue
		}
		s.Online = false
		if err := r.repo.SaveEdgeServer(s); err != nil {
			log.Printf("Failed to mark edge server %s offline: %v", s.EdgeID, err)
			continue
		}
		stale++
	}
	if stale > 0 {
		log.Printf("Marked %d edge servers offline", stale)
	}
	return stale, nil
}
