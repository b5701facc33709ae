package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/reload"
)

// Command names carried in the request envelope.
const (
	CmdPing         = "ping"
	CmdGetStatus    = "get_status"
	CmdShutdown     = "shutdown"
	CmdReload       = "reload"
	CmdAddLink      = "add_link"
	CmdRemoveLink   = "remove_link"
	CmdUpdateLink   = "update_link"
	CmdGetLink      = "get_link"
	CmdListLinks    = "list_links"
	CmdGetLinkStats = "get_link_stats"
	CmdImportLinks  = "import_links"
	CmdExportLinks  = "export_links"
	CmdGetConfig    = "get_config"
	CmdSetConfig    = "set_config"
)

// Response type discriminators.
const (
	TypePong         = "pong"
	TypeStatus       = "status"
	TypeShuttingDown = "shutting_down"
	TypeReloadResult = "reload_result"
	TypeLinkCreated  = "link_created"
	TypeLinkDeleted  = "link_deleted"
	TypeLinkUpdated  = "link_updated"
	TypeLinkFound    = "link_found"
	TypeLinkList     = "link_list"
	TypeStats        = "stats_result"
	TypeImportResult = "import_result"
	TypeExportResult = "export_result"
	TypeConfigResult = "config_result"
	TypeError        = "error"
)

// Error codes carried in ErrorPayload.
const (
	CodeNotFound       = "not_found"
	CodeAlreadyExists  = "already_exists"
	CodeValidation     = "validation_error"
	CodeConfigNotFound = "config_not_found"
	CodeStorage        = "storage_error"
	CodeProtocol       = "protocol_error"
	CodeUnknownCommand = "unknown_command"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal_error"
)

// Request is the client-to-server envelope.
type Request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the server-to-client envelope.
type Response struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReloadRequest selects what a reload refreshes: data, config, or all.
type ReloadRequest struct {
	Target string `json:"target"`
}

// AddLinkRequest creates a link. An empty Code asks the server to generate
// one; Force replaces an existing link instead of failing.
type AddLinkRequest struct {
	Code      string     `json:"code,omitempty"`
	Target    string     `json:"target"`
	Force     bool       `json:"force,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Password  string     `json:"password,omitempty"`
}

// RemoveLinkRequest deletes a link by code.
type RemoveLinkRequest struct {
	Code string `json:"code"`
}

// UpdateLinkRequest rewrites an existing link. ExpiresAt nil clears the
// expiry; an empty Password leaves the stored hash alone.
type UpdateLinkRequest struct {
	Code      string     `json:"code"`
	Target    string     `json:"target"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Password  string     `json:"password,omitempty"`
}

// GetLinkRequest looks up a single link by code.
type GetLinkRequest struct {
	Code string `json:"code"`
}

// ListLinksRequest pages through the catalog, optionally filtered by a
// substring match on code or target.
type ListLinksRequest struct {
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Search   string `json:"search,omitempty"`
}

// ImportLinksRequest bulk-loads links. Overwrite replaces colliding codes;
// without it collisions are reported per link.
type ImportLinksRequest struct {
	Links     []*model.Link `json:"links"`
	Overwrite bool          `json:"overwrite,omitempty"`
}

// GetConfigRequest reads runtime config. An empty key lists every entry.
type GetConfigRequest struct {
	Key string `json:"key,omitempty"`
}

// SetConfigRequest writes one runtime config entry through to storage.
type SetConfigRequest struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ValueType   string `json:"value_type"`
	IsSensitive bool   `json:"is_sensitive,omitempty"`
}

// PongResponse answers a ping.
type PongResponse struct {
	Version    string `json:"version"`
	UptimeSecs int64  `json:"uptime_secs"`
}

// StatusResponse summarizes the running server.
type StatusResponse struct {
	Version          string         `json:"version"`
	UptimeSecs       int64          `json:"uptime_secs"`
	IsReloading      bool           `json:"is_reloading"`
	LastDataReload   *reload.Result `json:"last_data_reload,omitempty"`
	LastConfigReload *reload.Result `json:"last_config_reload,omitempty"`
	LinksCount       int64          `json:"links_count"`
	PendingClicks    int            `json:"pending_clicks"`
}

// ReloadResponse reports the outcome of a reload command.
type ReloadResponse struct {
	Success    bool    `json:"success"`
	Target     string  `json:"target"`
	DurationMs float64 `json:"duration_ms"`
	Message    string  `json:"message,omitempty"`
}

// LinkCreatedResponse returns the stored link. GeneratedCode is set when
// the server picked the code.
type LinkCreatedResponse struct {
	Link          *model.Link `json:"link"`
	GeneratedCode bool        `json:"generated_code"`
}

// LinkDeletedResponse confirms a removal.
type LinkDeletedResponse struct {
	Code string `json:"code"`
}

// LinkUpdatedResponse returns the link after an update.
type LinkUpdatedResponse struct {
	Link *model.Link `json:"link"`
}

// LinkFoundResponse carries the looked-up link, or null when the code is
// unknown. An unknown code is a regular answer here, not an error.
type LinkFoundResponse struct {
	Link *model.Link `json:"link,omitempty"`
}

// LinkListResponse is one page of the catalog.
type LinkListResponse struct {
	Links    []*model.Link `json:"links"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// StatsResponse aggregates catalog counters.
type StatsResponse struct {
	TotalLinks  int64 `json:"total_links"`
	TotalClicks int64 `json:"total_clicks"`
	ActiveLinks int64 `json:"active_links"`
}

// ImportError reports one link that could not be imported.
type ImportError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ImportResponse summarizes a bulk import.
type ImportResponse struct {
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Errors  []ImportError `json:"errors,omitempty"`
}

// ExportResponse carries the full catalog.
type ExportResponse struct {
	Links []*model.Link `json:"links"`
}

// ConfigResponse lists runtime config entries, sensitive values redacted.
type ConfigResponse struct {
	Entries []model.RuntimeConfigEntry `json:"entries"`
}

// ErrorPayload is the uniform failure answer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest marshals data into a command envelope.
func NewRequest(command string, data any) (*Request, error) {
	req := &Request{Command: command}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", command, err)
		}
		req.Data = raw
	}
	return req, nil
}

// NewResponse marshals data into a typed response envelope. The
// payload types in this package always marshal; a failure degrades to
// an internal error response.
func NewResponse(typ string, data any) *Response {
	resp := &Response{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return NewErrorResponse(CodeInternal, "encode "+typ+" response: "+err.Error())
		}
		resp.Data = raw
	}
	return resp
}

// NewErrorResponse builds the uniform error envelope.
func NewErrorResponse(code, message string) *Response {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Response{Type: TypeError, Data: raw}
}

// Err turns an error response into a CommandError; nil for other types.
func (r *Response) Err() error {
	if r.Type != TypeError {
		return nil
	}
	var p ErrorPayload
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return fmt.Errorf("malformed error payload: %w", err)
	}
	return &CommandError{Code: p.Code, Message: p.Message}
}

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%s response has no payload", r.Type)
	}
	return json.Unmarshal(r.Data, v)
}

// CommandError is a failure reported by the server.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}
