package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/profilesync/internal/profile"
	"github.com/kalambet/profilesync/internal/storage"
)

const profileURIPrefix = "profile://"

// mcpWriteTimeout bounds how long update_profile waits for the persist.
const mcpWriteTimeout = 30 * time.Second

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Profile *profile.Manager
	Version string
}

// NewMCPServer creates an MCP server with the profile tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"profilesync",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("profilesync: cached user and talent profiles with optimistic updates."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Return the cached profile of a user, fetching it from the store when missing or expired."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithBoolean("refresh", mcp.Description("Bypass the cache and fetch from the store")),
		),
		mcpGetProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("update_profile",
			mcp.WithDescription("Update profile fields and wait until the change is stored. Omitted fields are left untouched."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("full_name", mcp.Description("Display name")),
			mcp.WithString("avatar_url", mcp.Description("Avatar image URL")),
			mcp.WithString("phone", mcp.Description("Phone number")),
			mcp.WithString("country", mcp.Description("Country")),
			mcp.WithString("city", mcp.Description("City")),
			mcp.WithString("title", mcp.Description("Professional title")),
			mcp.WithString("bio", mcp.Description("Short biography")),
			mcp.WithArray("skills", mcp.Description("Skill tags, replaces the stored list")),
			mcp.WithArray("categories", mcp.Description("Category tags, replaces the stored list")),
			mcp.WithArray("interests", mcp.Description("Interest tags, replaces the stored list")),
			mcp.WithString("experience_level", mcp.Description("entry, junior, mid, senior or lead")),
			mcp.WithString("availability", mcp.Description("full_time, part_time, contract, freelance or unavailable")),
			mcp.WithNumber("hourly_rate_min", mcp.Description("Minimum hourly rate")),
			mcp.WithNumber("hourly_rate_max", mcp.Description("Maximum hourly rate")),
			mcp.WithString("currency", mcp.Description("ISO 4217 currency code")),
		),
		mcpUpdateProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("prefetch_profiles",
			mcp.WithDescription("Warm the cache for users whose entries are missing or older than the stale window."),
			mcp.WithArray("user_ids", mcp.Description("User ids to prefetch"), mcp.Required()),
		),
		mcpPrefetch(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			profileURIPrefix+"{user_id}",
			"User Profile",
			mcp.WithTemplateDescription("Cached profile entry of a user as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		entry, err := deps.Profile.GetProfile(ctx, userID, req.GetBool("refresh", false))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get profile: %v", err)), nil
		}
		return mcpJSON(entry)
	}
}

func mcpUpdateProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		profileFields, extendedFields, err := splitToolFields(req.GetArguments())
		if err != nil {
			return mcpError(err.Error()), nil
		}
		patch, ext, err := profile.PatchFromFields(profileFields, extendedFields)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		u, err := deps.Profile.UpdateProfile(ctx, userID, patch, &ext)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to update profile: %v", err)), nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, mcpWriteTimeout)
		defer cancel()
		entry, err := u.Wait(waitCtx)
		if err != nil {
			return mcpError(fmt.Sprintf("update not stored: %v", err)), nil
		}
		return mcpJSON(entry)
	}
}

// splitToolFields sorts tool arguments into the two collections by column
// name. user_id is skipped.
func splitToolFields(args map[string]any) (map[string]any, map[string]any, error) {
	profileFields := make(map[string]any)
	extendedFields := make(map[string]any)
	for k, v := range args {
		switch {
		case k == "user_id":
		case isWritableColumn(storage.CollectionProfiles, k):
			profileFields[k] = v
		case isWritableColumn(storage.CollectionTalentProfiles, k):
			extendedFields[k] = v
		default:
			return nil, nil, fmt.Errorf("unknown field %q", k)
		}
	}
	return profileFields, extendedFields, nil
}

func isWritableColumn(collection, name string) bool {
	cols, err := storage.Columns(collection)
	if err != nil {
		return false
	}
	for _, c := range cols {
		if c.Name == name {
			return c.Writable
		}
	}
	return false
}

func mcpPrefetch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("user_ids", nil)
		if len(ids) == 0 {
			return mcpError("user_ids is required"), nil
		}
		if len(ids) > maxPrefetchIDs {
			return mcpError(fmt.Sprintf("at most %d user_ids per call", maxPrefetchIDs)), nil
		}
		n := deps.Profile.PrefetchProfiles(ctx, ids)
		return mcpText(fmt.Sprintf("Prefetched %d of %d profiles", n, len(ids))), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		userID := strings.TrimPrefix(req.Params.URI, profileURIPrefix)
		if userID == "" || userID == req.Params.URI {
			return nil, fmt.Errorf("invalid profile URI %q", req.Params.URI)
		}

		entry, err := deps.Profile.GetProfile(ctx, userID, false)
		if err != nil {
			return nil, fmt.Errorf("getting profile: %w", err)
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshalling profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
