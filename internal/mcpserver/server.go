// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes draft review notes to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/noteservice"
)

const contractURI = "draftsync://note-contract"

// Server wraps the MCP server with the draft note tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *noteservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"draftsync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_draft_notes",
		mcp.WithDescription("List draft notes of a project, newest first. Use step_name \"All\" for every step."),
		mcp.WithNumber("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("step_name", mcp.Required(), mcp.Description("Pipeline step name, or All")),
	), s.listDraftNotes)

	s.mcp.AddTool(mcp.NewTool("read_draft_note",
		mcp.WithDescription("Read one reviewer's draft note on a version."),
		mcp.WithNumber("version_id", mcp.Required(), mcp.Description("Version id")),
		mcp.WithNumber("owner_id", mcp.Required(), mcp.Description("Reviewer user id")),
	), s.readDraftNote)

	s.mcp.AddTool(mcp.NewTool("save_draft_note",
		mcp.WithDescription("Create or replace a reviewer's draft note on a version. "+
			"Blank content deletes the note. Read the note contract first via "+
			"get_note_contract or the "+contractURI+" resource."),
		mcp.WithNumber("version_id", mcp.Required(), mcp.Description("Version id")),
		mcp.WithString("version_name", mcp.Description("Version display name, recorded the first time the version is seen")),
		mcp.WithString("step_name", mcp.Description("Pipeline step of the version")),
		mcp.WithNumber("project_id", mcp.Description("Project of the version; required for versions not yet known")),
		mcp.WithNumber("owner_id", mcp.Required(), mcp.Description("Reviewer user id")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Note body")),
	), s.saveDraftNote)

	s.mcp.AddTool(mcp.NewTool("attach_to_draft_note",
		mcp.WithDescription("Attach a base64 data URI as a file, or an http(s) URL as a link, "+
			"to an existing draft note."),
		mcp.WithNumber("version_id", mcp.Required(), mcp.Description("Version id")),
		mcp.WithNumber("owner_id", mcp.Required(), mcp.Description("Reviewer user id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("data: URI or http(s) URL")),
		mcp.WithString("filename", mcp.Description("Optional file name for data URIs")),
	), s.attachToDraftNote)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the rules draft notes follow."),
	), s.getNoteContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Draft Note Contract",
			mcp.WithResourceDescription("Rules for draft review notes and their attachments."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// requireID reads a positive integer argument. JSON numbers arrive as float64.
func requireID(req mcp.CallToolRequest, name string) (int64, error) {
	v, err := req.RequireFloat(name)
	if err != nil {
		return 0, err
	}
	if v < 1 || v != float64(int64(v)) {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return int64(v), nil
}

// toolError renders a service error for the model.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrForbidden):
		return mcp.NewToolResultError("forbidden: not the note owner")
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listDraftNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := requireID(req, "project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	step, err := req.RequireString("step_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	notes, err := s.svc.NotesByStep(ctx, models.Scope{ProjectID: projectID, StepName: step})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(notes), nil
}

func (s *Server) readDraftNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	versionID, err := requireID(req, "version_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ownerID, err := requireID(req, "owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.GetNote(ctx, versionID, models.Owner{Kind: models.OwnerKindHuman, ID: ownerID})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n), nil
}

func (s *Server) saveDraftNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	versionID, err := requireID(req, "version_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ownerID, err := requireID(req, "owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	up := models.UpsertNoteRequest{
		VersionID: versionID,
		Content:   content,
		OwnerID:   ownerID,
		OwnerKind: models.OwnerKindHuman,
		VersionMeta: models.Version{
			ID:        versionID,
			Name:      req.GetString("version_name", ""),
			StepName:  req.GetString("step_name", ""),
			ProjectID: int64(req.GetFloat("project_id", 0)),
		},
	}
	res, err := s.svc.SaveNote(ctx, up)
	if err != nil {
		return toolError(err), nil
	}
	if res.Deleted {
		return mcp.NewToolResultText(fmt.Sprintf("deleted note of owner %d on version %d", ownerID, versionID)), nil
	}
	return jsonResult(res.Note), nil
}

func (s *Server) attachToDraftNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	versionID, err := requireID(req, "version_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ownerID, err := requireID(req, "owner_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	owner := models.Owner{Kind: models.OwnerKindHuman, ID: ownerID}

	var files []models.FileUpload
	var urls []string
	if strings.HasPrefix(rawURL, "data:") {
		f, err := fileFromDataURI(rawURL, req.GetString("filename", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		files = append(files, f)
	} else {
		urls = append(urls, rawURL)
	}

	n, err := s.svc.AddAttachments(ctx, versionID, owner, files, urls)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n), nil
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteContract,
		},
	}, nil
}
