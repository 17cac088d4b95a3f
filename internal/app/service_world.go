package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"realmforge/api/internal/export"
	"realmforge/api/internal/rbac"
	"realmforge/api/internal/search"
	"realmforge/api/internal/storage"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
	"realmforge/api/internal/world"
)

type NodeInput struct {
	X             float64         `json:"x"`
	Y             float64         `json:"y"`
	Label         string          `json:"label"`
	Color         string          `json:"color"`
	NodeType      string          `json:"node_type"`
	Description   string          `json:"description"`
	ImageURL      string          `json:"image_url"`
	GameplayNotes string          `json:"gameplay_notes"`
	Lore          string          `json:"lore"`
	Tags          []string        `json:"tags"`
	Metadata      json.RawMessage `json:"metadata"`
}

type NodePatch struct {
	X             *float64        `json:"x"`
	Y             *float64        `json:"y"`
	Label         *string         `json:"label"`
	Color         *string         `json:"color"`
	NodeType      *string         `json:"node_type"`
	Description   *string         `json:"description"`
	ImageURL      *string         `json:"image_url"`
	GameplayNotes *string         `json:"gameplay_notes"`
	Lore          *string         `json:"lore"`
	Tags          *[]string       `json:"tags"`
	Metadata      json.RawMessage `json:"metadata"`
}

type ConnectionInput struct {
	FromNodeID     string `json:"from_node_id"`
	ToNodeID       string `json:"to_node_id"`
	ConnectionType string `json:"connection_type"`
	Requirements   string `json:"requirements"`
	Notes          string `json:"notes"`
}

type ConnectionPatch struct {
	ConnectionType *string `json:"connection_type"`
	Requirements   *string `json:"requirements"`
	Notes          *string `json:"notes"`
}

func (s *Service) GetGraph(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	connections, err := s.store.ListConnections(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"nodes":       mapSlice(nodes, nodePayload),
		"connections": mapSlice(connections, connectionPayload),
	}, nil
}

func (s *Service) SearchNodes(ctx context.Context, session Session, projectID, query string) ([]map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return mapSlice(world.FilterNodes(nodes, query), nodePayload), nil
}

func (s *Service) AddNode(ctx context.Context, session Session, projectID string, input NodeInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if input.NodeType != "" && !world.ValidNodeType(input.NodeType) {
		return nil, validationError("node_type must be location, event or resource")
	}
	metadata, err := nodeMetadata(input.Metadata)
	if err != nil {
		return nil, err
	}
	node := world.ApplyNodeDefaults(store.WorldNode{
		ProjectID:     project.ID,
		X:             input.X,
		Y:             input.Y,
		Label:         strings.TrimSpace(input.Label),
		Color:         input.Color,
		NodeType:      input.NodeType,
		Description:   input.Description,
		ImageURL:      input.ImageURL,
		GameplayNotes: input.GameplayNotes,
		Lore:          input.Lore,
		Tags:          compactLabels(input.Tags),
		Metadata:      metadata,
	})
	created, err := s.store.InsertNode(ctx, node)
	if err != nil {
		return nil, err
	}
	s.indexNode(created)
	s.touch(ctx, project.ID)
	return nodePayload(created), nil
}

func (s *Service) UpdateNode(ctx context.Context, session Session, nodeID string, patch NodePatch) (map[string]any, error) {
	node, err := s.nodeAccess(ctx, session, nodeID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if patch.X != nil {
		node.X = *patch.X
	}
	if patch.Y != nil {
		node.Y = *patch.Y
	}
	if patch.Label != nil {
		node.Label = strings.TrimSpace(*patch.Label)
	}
	if patch.Color != nil {
		node.Color = *patch.Color
	}
	if patch.NodeType != nil {
		if !world.ValidNodeType(*patch.NodeType) {
			return nil, validationError("node_type must be location, event or resource")
		}
		node.NodeType = *patch.NodeType
	}
	if patch.Description != nil {
		node.Description = *patch.Description
	}
	if patch.ImageURL != nil {
		node.ImageURL = *patch.ImageURL
	}
	if patch.GameplayNotes != nil {
		node.GameplayNotes = *patch.GameplayNotes
	}
	if patch.Lore != nil {
		node.Lore = *patch.Lore
	}
	if patch.Tags != nil {
		node.Tags = compactLabels(*patch.Tags)
	}
	if len(patch.Metadata) > 0 {
		metadata, err := nodeMetadata(patch.Metadata)
		if err != nil {
			return nil, err
		}
		node.Metadata = metadata
	}
	updated, err := s.store.UpdateNode(ctx, world.ApplyNodeDefaults(node))
	if err != nil {
		return nil, err
	}
	s.indexNode(updated)
	return nodePayload(updated), nil
}

// MoveNode persists a drag-end position.
func (s *Service) MoveNode(ctx context.Context, session Session, nodeID string, x, y float64) error {
	node, err := s.nodeAccess(ctx, session, nodeID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	return s.store.MoveNode(ctx, node.ID, x, y)
}

func (s *Service) DeleteNode(ctx context.Context, session Session, nodeID string) error {
	node, err := s.nodeAccess(ctx, session, nodeID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNode(ctx, node.ID); err != nil {
		return err
	}
	s.search.Delete(search.ResultWorldNode, node.ID)
	s.removeObject(ctx, node.ImageURL)
	s.touch(ctx, node.ProjectID)
	return nil
}

func (s *Service) AddConnection(ctx context.Context, session Session, projectID string, input ConnectionInput) (map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	kind := strings.TrimSpace(input.ConnectionType)
	if kind == "" {
		kind = world.DefaultLinkType
	}
	if !world.ValidConnectionType(kind) {
		return nil, validationError("connection_type must be path, unlock, story, teleport or gated")
	}
	nodes, err := s.store.ListNodes(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.ListConnections(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if err := world.ValidateConnection(input.FromNodeID, input.ToNodeID, nodes, existing); err != nil {
		return nil, worldError(err)
	}
	created, err := s.store.InsertConnection(ctx, store.WorldConnection{
		ProjectID:      project.ID,
		FromNodeID:     input.FromNodeID,
		ToNodeID:       input.ToNodeID,
		ConnectionType: kind,
		Requirements:   input.Requirements,
		Notes:          input.Notes,
	})
	if err != nil {
		return nil, err
	}
	return connectionPayload(created), nil
}

func (s *Service) UpdateConnection(ctx context.Context, session Session, connectionID string, patch ConnectionPatch) (map[string]any, error) {
	conn, err := s.connectionAccess(ctx, session, connectionID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if patch.ConnectionType != nil {
		if !world.ValidConnectionType(*patch.ConnectionType) {
			return nil, validationError("connection_type must be path, unlock, story, teleport or gated")
		}
		conn.ConnectionType = *patch.ConnectionType
	}
	if patch.Requirements != nil {
		conn.Requirements = *patch.Requirements
	}
	if patch.Notes != nil {
		conn.Notes = *patch.Notes
	}
	updated, err := s.store.UpdateConnection(ctx, conn)
	if err != nil {
		return nil, err
	}
	return connectionPayload(updated), nil
}

func (s *Service) DeleteConnection(ctx context.Context, session Session, connectionID string) error {
	conn, err := s.connectionAccess(ctx, session, connectionID, rbac.ActionWrite)
	if err != nil {
		return err
	}
	return s.store.DeleteConnection(ctx, conn.ID)
}

// UploadNodeImage stores the image in object storage and points the node at
// it. The previous image, if it lived in the bucket, is removed.
func (s *Service) UploadNodeImage(ctx context.Context, session Session, nodeID string, body io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.objects == nil {
		return nil, storageUnavailable()
	}
	node, err := s.nodeAccess(ctx, session, nodeID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	ext, err := storage.ImageExtension(contentType, size)
	if err != nil {
		return nil, storageError(err)
	}
	url, err := s.objects.Put(ctx, storage.ObjectKey(node.ProjectID, node.ID, ext), body, size, contentType)
	if err != nil {
		return nil, err
	}
	previous := node.ImageURL
	node.ImageURL = url
	updated, err := s.store.UpdateNode(ctx, node)
	if err != nil {
		return nil, err
	}
	if previous != url {
		s.removeObject(ctx, previous)
	}
	return nodePayload(updated), nil
}

func (s *Service) ExportWorld(ctx context.Context, session Session, projectID string) (*export.Result, error) {
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	connections, err := s.store.ListConnections(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	data, err := export.WorldJSON(nodes, connections)
	if err != nil {
		return nil, err
	}
	return &export.Result{
		Data:     data,
		Filename: export.Filename(project.Name+" world", "json"),
		MimeType: "application/json",
	}, nil
}

// SuggestConnections asks the model for plausible edges between existing
// nodes and drops anything that does not fit the graph.
func (s *Service) SuggestConnections(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if err := s.requireAI(); err != nil {
		return nil, err
	}
	project, _, err := s.projectAccess(ctx, session.UserID, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(nodes) < 2 {
		return map[string]any{"suggestions": []world.Suggestion{}}, nil
	}
	existing, err := s.store.ListConnections(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	suggestions := world.FilterSuggestions(s.ai.SuggestWorldConnections(ctx, nodes, projectContext(project)), nodes, existing)
	return map[string]any{"suggestions": suggestions}, nil
}

func (s *Service) nodeAccess(ctx context.Context, session Session, nodeID string, action rbac.Action) (store.WorldNode, error) {
	if !util.IsUUID(nodeID) {
		return store.WorldNode{}, notFound("Node not found")
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return store.WorldNode{}, notFoundOr(err, "Node not found")
	}
	if _, _, err := s.projectAccess(ctx, session.UserID, node.ProjectID, action); err != nil {
		return store.WorldNode{}, err
	}
	return node, nil
}

func (s *Service) connectionAccess(ctx context.Context, session Session, connectionID string, action rbac.Action) (store.WorldConnection, error) {
	if !util.IsUUID(connectionID) {
		return store.WorldConnection{}, notFound("Connection not found")
	}
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return store.WorldConnection{}, notFoundOr(err, "Connection not found")
	}
	if _, _, err := s.projectAccess(ctx, session.UserID, conn.ProjectID, action); err != nil {
		return store.WorldConnection{}, err
	}
	return conn, nil
}

func (s *Service) removeObject(ctx context.Context, url string) {
	if s.objects == nil || url == "" {
		return
	}
	key, ok := s.objects.KeyFromURL(url)
	if !ok {
		return
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		s.logger.Warn("remove stored object", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) indexNode(n store.WorldNode) {
	s.search.IndexNode(search.NodeRecord{
		ID:          n.ID,
		Label:       n.Label,
		NodeType:    n.NodeType,
		Description: n.Description,
		Lore:        n.Lore,
		ProjectID:   n.ProjectID,
	})
}

func nodeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, validationError("metadata must be a JSON object")
	}
	return raw, nil
}

func worldError(err error) error {
	switch {
	case errors.Is(err, world.ErrSelfConnection), errors.Is(err, world.ErrUnknownNode):
		return validationError(err.Error())
	case errors.Is(err, world.ErrDuplicateConnection):
		return conflict(err.Error())
	}
	return err
}

func storageError(err error) error {
	if errors.Is(err, storage.ErrNotImage) || errors.Is(err, storage.ErrTooLarge) {
		return validationError(err.Error())
	}
	return err
}
