package export

import (
	"bytes"
	"embed"
	"html/template"
	"strconv"

	"tasktree/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.ParseFS(templateFS, "templates/tasks.html"))

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title       string
	Owner       string
	GeneratedAt string
	Total       int
	Done        int
	Nodes       []TemplateNode
}

// TemplateNode is one task in the rendered tree.
type TemplateNode struct {
	ID          string
	Title       string
	Description string
	Status      string
	Priority    int
	Done        bool
	CompletedAt string
	Children    []TemplateNode
}

func templateNodes(forest []store.Task) []TemplateNode {
	nodes := make([]TemplateNode, 0, len(forest))
	for _, task := range forest {
		node := TemplateNode{
			ID:          strconv.FormatInt(task.ID, 10),
			Title:       task.Title,
			Status:      string(task.Status),
			Priority:    task.Priority,
			Done:        task.Done(),
			CompletedAt: formatTime(task.CompletedAt),
			Children:    templateNodes(task.Subtasks),
		}
		if task.Description != nil {
			node.Description = *task.Description
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.ExecuteTemplate(&buf, "tasks.html", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
