package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/store"
)

// platformRequest is the create/update body. Enabled is a pointer so an
// absent field does not silently disable the platform on update.
type platformRequest struct {
	Name    string          `json:"name"`
	Layer   string          `json:"layer"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

func (s *Server) handleCreatePlatform(c *gin.Context) {
	var req platformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("request body is not valid JSON: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.respondError(c, apperr.Validation("platform name is required"))
		return
	}

	p := &store.Platform{
		Name:    strings.TrimSpace(req.Name),
		Layer:   req.Layer,
		Enabled: true,
		Config:  req.Config,
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := s.store.CreatePlatform(c.Request.Context(), p); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPlatforms(c *gin.Context) {
	platforms, err := s.store.ListPlatforms(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if platforms == nil {
		platforms = []*store.Platform{}
	}
	c.JSON(http.StatusOK, gin.H{
		"platforms": platforms,
		"total":     len(platforms),
	})
}

func (s *Server) handleGetPlatform(c *gin.Context) {
	p, err := s.store.GetPlatform(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdatePlatform(c *gin.Context) {
	var req platformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("request body is not valid JSON: "+err.Error()))
		return
	}

	p, err := s.store.GetPlatform(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		p.Name = name
	}
	if req.Layer != "" {
		p.Layer = req.Layer
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.Config != nil {
		p.Config = req.Config
	}
	if err := s.store.UpdatePlatform(c.Request.Context(), p); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePlatform(c *gin.Context) {
	if err := s.store.DeletePlatform(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// definitionRequest is the create/update body for workflow definitions.
type definitionRequest struct {
	Name     string             `json:"name"`
	Version  string             `json:"version"`
	Stages   []definition.Stage `json:"stages"`
	Metadata map[string]any     `json:"metadata"`
}

// handleCreateDefinition persists a definition under a platform after full
// structural validation: unique stage names, routing targets, acyclicity,
// reachability, and agent types resolvable in the registry.
func (s *Server) handleCreateDefinition(c *gin.Context) {
	platformID := c.Param("id")
	if _, err := s.store.GetPlatform(c.Request.Context(), platformID); err != nil {
		s.respondError(c, err)
		return
	}

	var req definitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("request body is not valid JSON: "+err.Error()))
		return
	}

	rec := &store.WorkflowDefinition{
		PlatformID: platformID,
		Name:       strings.TrimSpace(req.Name),
		Version:    req.Version,
		Stages:     req.Stages,
		Metadata:   req.Metadata,
	}
	if err := s.validateDefinition(rec); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.CreateDefinition(c.Request.Context(), rec); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleListDefinitions(c *gin.Context) {
	platformID := c.Param("id")
	if _, err := s.store.GetPlatform(c.Request.Context(), platformID); err != nil {
		s.respondError(c, err)
		return
	}
	defs, err := s.store.ListDefinitions(c.Request.Context(), platformID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if defs == nil {
		defs = []*store.WorkflowDefinition{}
	}
	c.JSON(http.StatusOK, gin.H{
		"definitions": defs,
		"total":       len(defs),
	})
}

func (s *Server) handleGetDefinition(c *gin.Context) {
	rec, err := s.platformDefinition(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleUpdateDefinition(c *gin.Context) {
	rec, err := s.platformDefinition(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	var req definitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("request body is not valid JSON: "+err.Error()))
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		rec.Name = name
	}
	if req.Version != "" {
		rec.Version = req.Version
	}
	if req.Stages != nil {
		rec.Stages = req.Stages
	}
	if req.Metadata != nil {
		rec.Metadata = req.Metadata
	}
	if err := s.validateDefinition(rec); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.UpdateDefinition(c.Request.Context(), rec); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteDefinition(c *gin.Context) {
	rec, err := s.platformDefinition(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.DeleteDefinition(c.Request.Context(), rec.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// platformDefinition loads the :def_id definition and checks it belongs to
// the :id platform; cross-platform ids read as not found.
func (s *Server) platformDefinition(c *gin.Context) (*store.WorkflowDefinition, error) {
	rec, err := s.store.GetDefinition(c.Request.Context(), c.Param("def_id"))
	if err != nil {
		return nil, err
	}
	if rec.PlatformID != c.Param("id") {
		return nil, apperr.NotFound(apperr.CodeDefinitionNotFound,
			"definition not found: "+c.Param("def_id"))
	}
	return rec, nil
}

// validateDefinition runs the definition engine's structural checks against
// the live registry and folds violations into one validation error.
func (s *Server) validateDefinition(rec *store.WorkflowDefinition) error {
	errs := definition.Validate(rec.Definition(), s.registry)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return apperr.Validation("definition is invalid").
		WithDetails(map[string]interface{}{"errors": msgs})
}

// surfaceRequest is the binding upsert body.
type surfaceRequest struct {
	Config  json.RawMessage `json:"config"`
	Enabled *bool           `json:"enabled"`
}

func (s *Server) handleListSurfaces(c *gin.Context) {
	platformID := c.Param("id")
	if _, err := s.store.GetPlatform(c.Request.Context(), platformID); err != nil {
		s.respondError(c, err)
		return
	}
	surfaces, err := s.store.ListSurfaces(c.Request.Context(), platformID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if surfaces == nil {
		surfaces = []*store.PlatformSurface{}
	}
	c.JSON(http.StatusOK, gin.H{
		"surfaces": surfaces,
		"total":    len(surfaces),
	})
}

func (s *Server) handleUpsertSurface(c *gin.Context) {
	platformID := c.Param("id")
	surfaceType := store.SurfaceType(strings.ToUpper(c.Param("type")))
	if !surfaceType.Valid() {
		s.respondError(c, apperr.Validation("unknown surface type: "+c.Param("type")))
		return
	}
	if _, err := s.store.GetPlatform(c.Request.Context(), platformID); err != nil {
		s.respondError(c, err)
		return
	}

	var req surfaceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, apperr.Validation("request body is not valid JSON: "+err.Error()))
			return
		}
	}
	ps := &store.PlatformSurface{
		PlatformID:  platformID,
		SurfaceType: surfaceType,
		Config:      req.Config,
		Enabled:     true,
	}
	if req.Enabled != nil {
		ps.Enabled = *req.Enabled
	}
	if err := s.store.UpsertSurface(c.Request.Context(), ps); err != nil {
		s.respondError(c, err)
		return
	}
	// Re-read the row: on a re-bind the original id and created_at survive.
	bound, err := s.store.GetSurface(c.Request.Context(), platformID, surfaceType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bound)
}

func (s *Server) handleDeleteSurface(c *gin.Context) {
	surfaceType := store.SurfaceType(strings.ToUpper(c.Param("type")))
	if !surfaceType.Valid() {
		s.respondError(c, apperr.Validation("unknown surface type: "+c.Param("type")))
		return
	}
	if err := s.store.DeleteSurface(c.Request.Context(), c.Param("id"), surfaceType); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
