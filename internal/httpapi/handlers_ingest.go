package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/ingest"
)

type addMessagesRequest struct {
	GroupID  string           `json:"group_id"`
	Messages []ingest.Message `json:"messages" validate:"required,min=1"`
}

type queuedResponse struct {
	Status  string   `json:"status"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

func (s *Server) handleAddMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		s.writeError(w, r, fault.Transient(errors.New("ingestion is not configured")))
		return
	}
	var req addMessagesRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.GroupID == "" {
		req.GroupID = s.cfg.DefaultGroupID
	}

	ids, err := s.deps.Ingestor.EnqueueEpisodes(r.Context(), req.GroupID, req.Messages)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TaskIDs: ids})
}

type addEntityNodeRequest struct {
	GroupID    string                 `json:"group_id"`
	UUID       string                 `json:"uuid,omitempty"`
	Name       string                 `json:"name" validate:"required"`
	EntityType string                 `json:"entity_type,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func (s *Server) handleAddEntityNode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		s.writeError(w, r, fault.Transient(errors.New("ingestion is not configured")))
		return
	}
	var req addEntityNodeRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.GroupID == "" {
		req.GroupID = s.cfg.DefaultGroupID
	}

	id, err := s.deps.Ingestor.EnqueueEntity(r.Context(), req.GroupID, ingest.EntityData{
		UUID:       req.UUID,
		Name:       req.Name,
		EntityType: req.EntityType,
		Summary:    req.Summary,
		Attributes: req.Attributes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, queuedResponse{Status: "queued", TaskIDs: []string{id}})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["group_id"]
	if groupID == "" {
		s.writeError(w, r, fault.Validation("group_id is required"))
		return
	}

	// One delete at a time per group; concurrent requests conflict
	// instead of racing the store.
	if s.deps.Locks != nil {
		lock, err := s.deps.Locks.AcquireGroupLock(r.Context(), groupID, "delete")
		if err != nil {
			s.writeError(w, r, fault.Conflict(err))
			return
		}
		defer lock.Release()
	}

	if err := s.deps.Store.DeleteGroup(r.Context(), groupID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Index != nil {
		if removed, err := s.deps.Index.RemoveGroup(r.Context(), groupID); err != nil {
			s.logger.Warn("Group removed from store but not from fact index",
				zap.String("group", groupID), zap.Error(err))
		} else if removed > 0 {
			s.logger.Debug("Fact index group purged",
				zap.String("group", groupID), zap.Int("facts", removed))
		}
	}
	s.logger.Info("Group deleted", zap.String("group", groupID))
	writeJSON(w, http.StatusOK, resultResponse{Message: "group deleted", Success: true})
}

func (s *Server) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	if err := s.deps.Store.DeleteEpisode(r.Context(), uuid); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Message: "episode deleted", Success: true})
}
