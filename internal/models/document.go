// Package models holds the types shared between storage, the retrieval core and the API.
package models

import (
	"time"
)

// Node types used by DirectoryNode.
const (
	NodeTypeDirectory = "directory"
	NodeTypeFile      = "file"
)

// Document is an uploaded file. PathArray is the authoritative position of the
// document in the tenant's virtual directory tree; its last element is the file name.
type Document struct {
	ID         int64      `json:"id"`
	Filename   string     `json:"filename"`
	PathArray  []string   `json:"pathArray"`
	IsIngested bool       `json:"isIngested"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`

	// FilePath is where the raw upload lives on disk.
	FilePath string `json:"-"`
}

// DirectoryNode is either a directory with children or a file wrapping one Document.
type DirectoryNode struct {
	Type     string           `json:"type"`
	Name     string           `json:"name"`
	Path     []string         `json:"path"`
	Children []*DirectoryNode `json:"children,omitempty"`
	Document *Document        `json:"document,omitempty"`
}

// IsFile reports whether the node is a file leaf.
func (n *DirectoryNode) IsFile() bool {
	return n.Type == NodeTypeFile
}

// DirectoryTreeResponse wraps the top level nodes in a synthetic root.
type DirectoryTreeResponse struct {
	Type     string           `json:"type"`
	Name     string           `json:"name"`
	Path     []string         `json:"path"`
	Children []*DirectoryNode `json:"children"`
}

// NewDirectoryTreeResponse builds the root wrapper for a listing.
func NewDirectoryTreeResponse(base []string, children []*DirectoryNode) *DirectoryTreeResponse {
	if base == nil {
		base = []string{}
	}
	if children == nil {
		children = []*DirectoryNode{}
	}
	return &DirectoryTreeResponse{
		Type:     NodeTypeDirectory,
		Name:     "root",
		Path:     base,
		Children: children,
	}
}

// IngestRequest lists the documents to run through the ingestion pipeline.
type IngestRequest struct {
	DocumentIDs []int64 `json:"document_ids"`
}

// DeleteResponse acknowledges a deletion.
type DeleteResponse struct {
	Message string `json:"message"`
}

// PrefixSearchResponse is returned by the filename/path lookup endpoint.
type PrefixSearchResponse struct {
	Documents []Document `json:"documents"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
