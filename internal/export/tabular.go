package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"realmforge/api/internal/store"
)

// ToJSON pretty-prints v with a two space indent. Nulls are kept.
func ToJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json export: %w", err)
	}
	return data, nil
}

// ToCSV flattens a list of records into CSV. The header comes from the first
// record's keys in encoding order; every cell is the JSON encoding of its
// value, with null (at any depth) and missing values written as "". Lines end in \r\n.
func ToCSV(items any) (string, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode csv export: %w", err)
	}
	rows := gjson.ParseBytes(raw)
	if !rows.IsArray() {
		return "", fmt.Errorf("encode csv export: expected a list, got %s", rows.Type)
	}
	records := rows.Array()
	if len(records) == 0 {
		return "", nil
	}

	var header []string
	records[0].ForEach(func(key, _ gjson.Result) bool {
		header = append(header, key.String())
		return true
	})

	lines := make([]string, 0, len(records)+1)
	lines = append(lines, strings.Join(header, ","))
	for _, record := range records {
		cells := make([]string, len(header))
		for i, key := range header {
			cells[i] = csvCell(record.Get(gjson.Escape(key)))
		}
		lines = append(lines, strings.Join(cells, ","))
	}
	return strings.Join(lines, "\r\n"), nil
}

func csvCell(value gjson.Result) string {
	var cell bytes.Buffer
	writeCell(&cell, value)
	return cell.String()
}

// writeCell writes compact JSON with every null, nested ones included, as "".
func writeCell(buf *bytes.Buffer, value gjson.Result) {
	switch {
	case !value.Exists() || value.Type == gjson.Null:
		buf.WriteString(`""`)
	case value.IsObject():
		buf.WriteByte('{')
		first := true
		value.ForEach(func(key, item gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.WriteString(key.Raw)
			buf.WriteByte(':')
			writeCell(buf, item)
			return true
		})
		buf.WriteByte('}')
	case value.IsArray():
		buf.WriteByte('[')
		for i, item := range value.Array() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCell(buf, item)
		}
		buf.WriteByte(']')
	default:
		buf.WriteString(strings.TrimSpace(value.Raw))
	}
}

type systemRow struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Inputs      string `json:"inputs"`
	Outputs     string `json:"outputs"`
}

// SystemsCSV exports game systems with their inputs and outputs joined by "; ".
func SystemsCSV(systems []store.System) (string, error) {
	rows := make([]systemRow, 0, len(systems))
	for _, s := range systems {
		rows = append(rows, systemRow{
			Name:        s.Name,
			Description: s.Description,
			Inputs:      strings.Join(s.Inputs, "; "),
			Outputs:     strings.Join(s.Outputs, "; "),
		})
	}
	return ToCSV(rows)
}

type worldNodeExport struct {
	ID            string          `json:"id"`
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

type worldConnectionExport struct {
	ID             string `json:"id"`
	FromNodeID     string `json:"from_node_id"`
	ToNodeID       string `json:"to_node_id"`
	ConnectionType string `json:"connection_type"`
	Requirements   string `json:"requirements"`
	Notes          string `json:"notes"`
}

// WorldJSON exports the world map as {"nodes": [...], "connections": [...]}.
func WorldJSON(nodes []store.WorldNode, connections []store.WorldConnection) ([]byte, error) {
	out := struct {
		Nodes       []worldNodeExport       `json:"nodes"`
		Connections []worldConnectionExport `json:"connections"`
	}{
		Nodes:       make([]worldNodeExport, 0, len(nodes)),
		Connections: make([]worldConnectionExport, 0, len(connections)),
	}
	for _, n := range nodes {
		metadata := n.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		out.Nodes = append(out.Nodes, worldNodeExport{
			ID: n.ID, X: n.X, Y: n.Y, Label: n.Label, Color: n.Color, NodeType: n.NodeType,
			Description: n.Description, ImageURL: n.ImageURL, GameplayNotes: n.GameplayNotes,
			Lore: n.Lore, Tags: tags, Metadata: metadata,
		})
	}
	for _, c := range connections {
		out.Connections = append(out.Connections, worldConnectionExport{
			ID: c.ID, FromNodeID: c.FromNodeID, ToNodeID: c.ToNodeID,
			ConnectionType: c.ConnectionType, Requirements: c.Requirements, Notes: c.Notes,
		})
	}
	return ToJSON(out)
}
