// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes formsync documents and shared fields over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/formsync/internal/forms"
	"github.com/starford/formsync/internal/models"
	"github.com/starford/formsync/internal/workspace"
)

const contractURI = "formsync://field-contract"

// Server wraps the MCP server with formsync tools. Every tool acts as one
// configured user.
type Server struct {
	mcp    *server.MCPServer
	ws     *workspace.Manager
	user   string
	logger *slog.Logger
}

// New creates a new MCP server with all formsync tools registered.
func New(ws *workspace.Manager, user string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ws: ws, user: user, logger: logger}

	s.mcp = server.NewMCPServer(
		"Formsync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_forms",
		mcp.WithDescription("List the form ids of the wizard."),
	), s.listForms)

	s.mcp.AddTool(mcp.NewTool("load_document",
		mcp.WithDescription("Load a stored document by form id or by document id."),
		mcp.WithString("formId", mcp.Description("Form id (e.g. form-d)")),
		mcp.WithString("id", mcp.Description("Document id; takes precedence over formId")),
	), s.loadDocument)

	s.mcp.AddTool(mcp.NewTool("save_document",
		mcp.WithDescription("Create the first document of a form. Derived fields are computed "+
			"and owned shared fields are mirrored. Read the contract first via the "+
			"get_field_contract tool or the "+contractURI+" resource."),
		mcp.WithString("formId", mcp.Required(), mcp.Description("Form id")),
		mcp.WithObject("fields", mcp.Required(), mcp.Description("Field name to value")),
	), s.saveDocument)

	s.mcp.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Replace the fields of a stored document."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithObject("fields", mcp.Required(), mcp.Description("Field name to value")),
		mcp.WithString("ifMatch", mcp.Description("Checksum of the version being replaced")),
	), s.updateDocument)

	s.mcp.AddTool(mcp.NewTool("compute_form",
		mcp.WithDescription("Evaluate a form's derived fields without saving."),
		mcp.WithString("formId", mcp.Required(), mcp.Description("Form id")),
		mcp.WithObject("fields", mcp.Description("Input fields")),
	), s.computeForm)

	s.mcp.AddTool(mcp.NewTool("read_shared_fields",
		mcp.WithDescription("Read the current value of every shared field."),
	), s.readSharedFields)

	s.mcp.AddTool(mcp.NewTool("write_shared_field",
		mcp.WithDescription("Set a shared field on its owning form and mirror it to every other form."),
		mcp.WithString("field", mcp.Required(), mcp.Description("Shared field name (e.g. organizationName)")),
		mcp.WithString("value", mcp.Required(), mcp.Description("New value")),
	), s.writeSharedField)

	s.mcp.AddTool(mcp.NewTool("get_field_contract",
		mcp.WithDescription("Returns the field contract: forms, derived fields, shared fields and pulled fields. "+
			"Call this before writing documents."),
	), s.getFieldContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Field Contract",
			mcp.WithResourceDescription("Forms, derived fields, shared fields and pulled fields."),
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

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func fieldsArg(req mcp.CallToolRequest, name string, required bool) (models.Fields, error) {
	raw, ok := req.GetArguments()[name]
	if !ok || raw == nil {
		if required {
			return nil, fmt.Errorf("required argument %q not found", name)
		}
		return models.Fields{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be an object", name)
	}
	return models.Fields(m), nil
}

func (s *Server) listForms(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.ws.Catalog().FormIDs()), nil
}

func (s *Server) loadDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.ws.Session(ctx, s.user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("id", "")
	formID := req.GetString("formId", "")
	var doc *workspace.DocumentDetail
	switch {
	case id != "":
		doc, err = sess.GetDocument(ctx, id)
	case formID != "":
		doc, err = sess.FindDocument(ctx, formID)
	default:
		return mcp.NewToolResultError("formId or id is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(doc), nil
}

func (s *Server) saveDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	formID, err := req.RequireString("formId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, err := fieldsArg(req, "fields", true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.ws.Session(ctx, s.user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := sess.CreateDocument(ctx, formID, fields)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Info("mcp: document created", slog.String("form_id", formID), slog.String("id", doc.ID))
	return jsonResult(doc), nil
}

func (s *Server) updateDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, err := fieldsArg(req, "fields", true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.ws.Session(ctx, s.user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := sess.UpdateDocument(ctx, id, fields, req.GetString("ifMatch", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(doc), nil
}

func (s *Server) computeForm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	formID, err := req.RequireString("formId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fields, err := fieldsArg(req, "fields", false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.ws.Session(ctx, s.user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := sess.Compute(formID, fields)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(out), nil
}

func (s *Server) readSharedFields(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.ws.Session(ctx, s.user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess.SharedFields()), nil
}

func (s *Server) writeSharedField(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	field, err := req.RequireString("field")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.ws.Session(ctx, s.user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := sess.WriteShared(ctx, forms.Canonical(field), value); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s", field)), nil
}

func (s *Server) getFieldContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(FieldContract(s.ws.Catalog())), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     FieldContract(s.ws.Catalog()),
		},
	}, nil
}
