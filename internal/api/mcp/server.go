package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/internal/items"
	"github.com/kokoroai/kokoro/internal/persona"
	"github.com/kokoroai/kokoro/internal/storage"
	"github.com/kokoroai/kokoro/pkg/types"
)

// errorSigil prefixes every user-visible error line.
const errorSigil = "✗ "

// defaultToolTimeout bounds one tool call.
const defaultToolTimeout = 30 * time.Second

// Session bundles the per-persona collaborators one tool call operates on.
type Session struct {
	Engine  *engine.Engine
	Items   *items.Store
	Tasks   storage.TaskStore
	Context *persona.ContextStore
}

// SessionProvider resolves a persona to its session, creating stores and
// engines lazily on first use.
type SessionProvider interface {
	Session(persona string) (*Session, error)
}

// Server implements the JSON-RPC 2.0 tool-call protocol over the memory,
// item, and get_context tools.
type Server struct {
	provider  SessionProvider
	bound     string // request-scoped persona binding (stdio)
	timeout   time.Duration
	sessionID string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBoundPersona pins the persona used when the transport carries none.
func WithBoundPersona(p string) ServerOption {
	return func(s *Server) { s.bound = p }
}

// WithToolTimeout overrides the per-call deadline.
func WithToolTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates the tool-call server.
func NewServer(provider SessionProvider, opts ...ServerOption) *Server {
	s := &Server{
		provider:  provider,
		timeout:   defaultToolTimeout,
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Printf("kokoro-mcp: session ID: %s", s.sessionID)
	return s
}

type personaKey struct{}

// WithPersona binds the request persona into the context; transports call
// this from their header or credential handling.
func WithPersona(ctx context.Context, p string) context.Context {
	return context.WithValue(ctx, personaKey{}, p)
}

func (s *Server) personaFrom(ctx context.Context) string {
	header, _ := ctx.Value(personaKey{}).(string)
	return persona.Resolve(header, s.bound)
}

func (s *Server) session(ctx context.Context) (*Session, string, error) {
	p := s.personaFrom(ctx)
	sess, err := s.provider.Session(p)
	if err != nil {
		return nil, p, fmt.Errorf("failed to open persona %s: %w", p, err)
	}
	// Every tool call refreshes the persona context timestamp.
	if sess.Context != nil {
		sess.Context.Touch(p, time.Now())
	}
	return sess, p, nil
}

// HandleRequest processes one JSON-RPC 2.0 request and returns the
// response bytes. The returned error is reserved for failures that could
// not be expressed as a JSON-RPC error response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err)
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result any
	var err error
	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: "2024-11-05",
			Capabilities: ServerCapabilities{
				Tools:     &struct{}{},
				Resources: &struct{}{},
			},
			ServerInfo: ServerInfo{Name: "kokoro", Version: "1.0.0"},
		}
	case "initialized", "notifications/initialized":
		result = map[string]any{}
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = ToolsListResult{Tools: toolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		result = ResourcesListResult{Resources: resourcesList()}
	case "resources/read":
		result, err = s.handleResourcesRead(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
	if err != nil {
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

// handleToolsCall dispatches to the named tool and wraps the ToolResult in
// the protocol content envelope. Handled tool failures come back as
// IsError content, not JSON-RPC errors.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}

	result := s.CallTool(ctx, p.Name, p.Arguments)
	if result.Err != nil {
		return &ToolCallResult{
			Content: []ToolCallContent{{Type: "text", Text: errorSigil + result.Err.Message}},
			IsError: true,
		}, nil
	}
	text := result.Text
	if result.JSON != nil {
		data, err := json.Marshal(result.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		text = string(data)
	}
	return &ToolCallResult{Content: []ToolCallContent{{Type: "text", Text: text}}}, nil
}

// CallTool runs one tool call under the per-call deadline and returns the
// tagged result. Exposed for the HTTP transport, which maps ToolError
// statuses onto HTTP codes.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) *ToolResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch name {
	case "memory":
		var a MemoryArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return errorResult(http.StatusBadRequest, "invalid memory arguments: "+err.Error())
		}
		return s.handleMemory(ctx, a)
	case "item":
		var a ItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return errorResult(http.StatusBadRequest, "invalid item arguments: "+err.Error())
		}
		return s.handleItem(ctx, a)
	case "get_context":
		var a GetContextArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return errorResult(http.StatusBadRequest, "invalid get_context arguments: "+err.Error())
			}
		}
		return s.handleGetContext(ctx, a)
	default:
		return errorResult(http.StatusBadRequest, fmt.Sprintf("unknown tool: %s", name))
	}
}

// toolFailure maps an operation error onto the tagged error result.
func toolFailure(err error) *ToolResult {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		return errorResult(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return errorResult(http.StatusGatewayTimeout, "tool call timed out")
	default:
		return errorResult(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleMemory(ctx context.Context, a MemoryArgs) *ToolResult {
	sess, _, err := s.session(ctx)
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error())
	}
	eng := sess.Engine

	switch strings.ToLower(a.Operation) {
	case "create":
		record, err := eng.Create(ctx, engine.CreateInput{
			Content:            a.Content,
			Importance:         a.Importance,
			Emotion:            a.EmotionType,
			EmotionIntensity:   a.EmotionIntensity,
			Tags:               a.ContextTags,
			PhysicalState:      a.PhysicalState,
			MentalState:        a.MentalState,
			Environment:        a.Environment,
			RelationshipStatus: a.RelationshipStatus,
			ActionTag:          a.ActionTag,
			RelatedKeys:        a.RelatedKeys,
			EquippedItems:      s.equippedSnapshot(ctx, sess),
			PrivacyLevel:       a.PrivacyLevel,
		})
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(record)
		}
		return textResult(fmt.Sprintf("Stored memory %s.", record.Key))

	case "read":
		key := a.Key
		if key == "" {
			key = a.Query
		}
		if key == "" {
			return errorResult(http.StatusBadRequest, "read requires a key")
		}
		record, err := eng.Read(ctx, key)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(record)
		}
		return textResult(formatRecord(record))

	case "update":
		if a.Key == "" {
			return errorResult(http.StatusBadRequest, "update requires a key")
		}
		in := engine.UpdateInput{
			Importance:       a.Importance,
			EmotionIntensity: a.EmotionIntensity,
			Tags:             a.ContextTags,
			RelatedKeys:      a.RelatedKeys,
		}
		if a.Content != "" {
			in.Content = &a.Content
		}
		if a.EmotionType != "" {
			in.Emotion = &a.EmotionType
		}
		if a.PhysicalState != "" {
			in.PhysicalState = &a.PhysicalState
		}
		if a.MentalState != "" {
			in.MentalState = &a.MentalState
		}
		if a.Environment != "" {
			in.Environment = &a.Environment
		}
		if a.RelationshipStatus != "" {
			in.RelationshipStatus = &a.RelationshipStatus
		}
		if a.ActionTag != "" {
			in.ActionTag = &a.ActionTag
		}
		if a.PrivacyLevel != "" {
			in.PrivacyLevel = &a.PrivacyLevel
		}
		record, err := eng.Update(ctx, a.Key, in)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(record)
		}
		return textResult(fmt.Sprintf("Updated memory %s.", record.Key))

	case "delete":
		if a.Key == "" {
			return errorResult(http.StatusBadRequest, "delete requires a key")
		}
		if err := eng.Delete(ctx, a.Key); err != nil {
			return toolFailure(err)
		}
		return textResult(fmt.Sprintf("Deleted memory %s.", a.Key))

	case "search":
		results, err := eng.Search(ctx, engine.SearchOptions{
			Query:            a.Query,
			Mode:             a.Mode,
			TopK:             a.TopK,
			FuzzyMatch:       a.FuzzyMatch,
			FuzzyThreshold:   a.FuzzyThreshold,
			ImportanceWeight: a.ImportanceWeight,
			RecencyWeight:    a.RecencyWeight,
			RelatedTo:        a.RelatedTo,
			Filters:          searchFilters(a),
			Admin:            a.Admin,
		})
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(results)
		}
		return textResult(formatResults(results))

	case "stats":
		stats, err := eng.Stats(ctx)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(stats)
		}
		return textResult(formatStats(stats))

	case "check_routines":
		routines, err := eng.CheckRoutines(ctx, a.HorizonDays)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(routines)
		}
		return textResult(formatRoutines(routines))

	default:
		return errorResult(http.StatusBadRequest, fmt.Sprintf("unknown memory operation: %s", a.Operation))
	}
}

// searchFilters maps the flat tool arguments onto the engine filter set.
func searchFilters(a MemoryArgs) *engine.Filters {
	f := &engine.Filters{
		Key:                a.Key,
		DateRange:          a.DateRange,
		MinImportance:      a.MinImportance,
		Emotion:            a.Emotion,
		ActionTag:          a.ActionTag,
		Environment:        a.Environment,
		PhysicalState:      a.PhysicalState,
		MentalState:        a.MentalState,
		RelationshipStatus: a.RelationshipStatus,
		EquippedItem:       a.EquippedItem,
		Tags:               a.Tags,
		TagMatchMode:       a.TagMatchMode,
	}
	return f
}

// equippedSnapshot captures the current slot→item map for a new memory.
// Best-effort: an item-store failure never blocks a memory write.
func (s *Server) equippedSnapshot(ctx context.Context, sess *Session) map[string]string {
	if sess.Items == nil {
		return nil
	}
	equipped, err := sess.Items.EquippedMap(ctx)
	if err != nil {
		log.Printf("WARNING: equipped snapshot failed: %v", err)
		return nil
	}
	if len(equipped) == 0 {
		return nil
	}
	return equipped
}

func (s *Server) handleItem(ctx context.Context, a ItemArgs) *ToolResult {
	sess, _, err := s.session(ctx)
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error())
	}
	store := sess.Items
	if store == nil {
		return errorResult(http.StatusInternalServerError, "item store unavailable")
	}

	switch strings.ToLower(a.Operation) {
	case "add":
		item, err := store.Add(ctx, a.Name, a.Category, a.Description, a.Quantity)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(item)
		}
		return textResult(fmt.Sprintf("Added %s (quantity %d).", item.Name, item.Quantity))

	case "remove":
		if err := store.Remove(ctx, a.Name, a.Quantity); err != nil {
			return toolFailure(err)
		}
		return textResult(fmt.Sprintf("Removed %s.", a.Name))

	case "equip":
		item, err := store.Equip(ctx, a.Name, a.Slot)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(item)
		}
		return textResult(fmt.Sprintf("Equipped %s in slot %s.", item.Name, item.Slot))

	case "unequip":
		item, err := store.Unequip(ctx, a.Name)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(item)
		}
		return textResult(fmt.Sprintf("Unequipped %s.", item.Name))

	case "update":
		item, err := store.Update(ctx, a.Name, a.Category, a.Description, a.Quantity)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(item)
		}
		return textResult(fmt.Sprintf("Updated %s.", item.Name))

	case "rename":
		item, err := store.Rename(ctx, a.Name, a.NewName)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(item)
		}
		return textResult(fmt.Sprintf("Renamed %s to %s.", a.Name, item.Name))

	case "search":
		found, err := store.Search(ctx, a.Query)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(found)
		}
		return textResult(formatItems(found))

	case "history":
		history, err := store.History(ctx, a.Name, a.Limit)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(history)
		}
		return textResult(formatItemHistory(history))

	case "memories":
		if a.Name == "" {
			return errorResult(http.StatusBadRequest, "memories requires an item name")
		}
		results, err := s.itemMemories(ctx, sess.Engine, a.Name, a.Limit)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(results)
		}
		return textResult(formatResults(results))

	case "stats":
		stats, err := store.Stats(ctx)
		if err != nil {
			return toolFailure(err)
		}
		if wantsJSON(a.Format) {
			return jsonResult(stats)
		}
		return textResult(fmt.Sprintf("%d items (%d equipped).", stats.Total, stats.Equipped))

	default:
		return errorResult(http.StatusBadRequest, fmt.Sprintf("unknown item operation: %s", a.Operation))
	}
}

// itemMemories unions memories that mention the item by content with
// memories whose equipped_items snapshot carried it.
func (s *Server) itemMemories(ctx context.Context, eng *engine.Engine, name string, limit int) ([]engine.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	byContent, err := eng.Search(ctx, engine.SearchOptions{
		Query: name, Mode: "keyword", TopK: limit,
	})
	if err != nil {
		return nil, err
	}
	byEquipped, err := eng.Search(ctx, engine.SearchOptions{
		Mode: "keyword", TopK: limit,
		Filters: &engine.Filters{EquippedItem: name},
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var union []engine.SearchResult
	for _, r := range append(byContent, byEquipped...) {
		if seen[r.Record.Key] {
			continue
		}
		seen[r.Record.Key] = true
		union = append(union, r)
	}
	if len(union) > limit {
		union = union[:limit]
	}
	return union, nil
}

// ContextDocument is the composite context returned by get_context.
type ContextDocument struct {
	Persona  string                `json:"persona"`
	Context  *types.PersonaContext `json:"context,omitempty"`
	Blocks   []types.MemoryBlock   `json:"blocks,omitempty"`
	Promises []types.Promise       `json:"promises,omitempty"`
	Goals    []types.Goal          `json:"goals,omitempty"`
	Equipped map[string]string     `json:"equipped_items,omitempty"`
}

func (s *Server) handleGetContext(ctx context.Context, a GetContextArgs) *ToolResult {
	sess, p, err := s.session(ctx)
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error())
	}

	doc := ContextDocument{Persona: p}
	if sess.Context != nil {
		if pc, err := sess.Context.Load(p); err == nil {
			doc.Context = pc
		} else {
			log.Printf("WARNING: persona context load failed for %s: %v", p, err)
		}
	}
	if sess.Tasks != nil {
		if blocks, err := sess.Tasks.ListBlocks(ctx); err == nil {
			doc.Blocks = blocks
		}
		if promises, err := sess.Tasks.ListPromises(ctx, types.TaskActive); err == nil {
			doc.Promises = promises
		}
		if goals, err := sess.Tasks.ListGoals(ctx, types.TaskActive); err == nil {
			doc.Goals = goals
		}
	}
	doc.Equipped = s.equippedSnapshot(ctx, sess)

	if wantsJSON(a.Format) {
		return jsonResult(doc)
	}
	return textResult(formatContext(doc))
}

func (s *Server) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, error) {
	var p ResourceReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid resources/read params: %w", err)
	}
	sess, _, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	switch p.URI {
	case "kokoro://metrics":
		data, err := json.MarshalIndent(sess.Engine.Metrics(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &ResourceReadResult{Contents: []ResourceContent{{
			URI: p.URI, MimeType: "application/json", Text: string(data),
		}}}, nil
	case "kokoro://cleanup-suggestions":
		data, err := json.MarshalIndent(sess.Engine.Suggestions(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &ResourceReadResult{Contents: []ResourceContent{{
			URI: p.URI, MimeType: "application/json", Text: string(data),
		}}}, nil
	default:
		return nil, fmt.Errorf("unknown resource: %s", p.URI)
	}
}

func resourcesList() []Resource {
	return []Resource{
		{
			URI:         "kokoro://metrics",
			Name:        "Engine metrics",
			Description: "Queue depth, dirty flag, last write/rebuild timestamps, rebuild count, worker status.",
			MimeType:    "application/json",
		},
		{
			URI:         "kokoro://cleanup-suggestions",
			Name:        "Cleanup suggestions",
			Description: "Near-duplicate memory pairs found by the idle cleanup scanner.",
			MimeType:    "application/json",
		},
	}
}

func wantsJSON(format string) bool {
	return strings.EqualFold(format, "json")
}

// ----- text formatting -----

func formatRecord(r *types.MemoryRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n%s\n", r.Key, r.Content)
	fmt.Fprintf(&sb, "importance: %.2f  privacy: %s", r.Importance, r.PrivacyLevel)
	if r.Emotion != "" {
		fmt.Fprintf(&sb, "  emotion: %s (%.2f)", r.Emotion, r.EmotionIntensity)
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(&sb, "\ntags: %s", strings.Join(r.Tags, ", "))
	}
	if len(r.RelatedKeys) > 0 {
		fmt.Fprintf(&sb, "\nrelated: %s", strings.Join(r.RelatedKeys, ", "))
	}
	return sb.String()
}

func formatResults(results []engine.SearchResult) string {
	if len(results) == 0 {
		return "No memories found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d memories:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s] (%.3f, %s) %s\n", i+1, r.Record.Key, r.Score, r.MatchType, r.Record.Content)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatStats(stats *engine.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d memories, %d content chars.", stats.Count, stats.TotalContentChars)
	fmt.Fprintf(&sb, " Queue depth %d, dirty=%t.", stats.QueueDepth, stats.Dirty)
	if len(stats.PerEmotion) > 0 {
		fmt.Fprintf(&sb, "\nEmotions: %s", formatCounts(stats.PerEmotion))
	}
	if len(stats.PerTag) > 0 {
		fmt.Fprintf(&sb, "\nTags: %s", formatCounts(stats.PerTag))
	}
	return sb.String()
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}

func formatRoutines(r *engine.Routines) string {
	if len(r.DuePromises) == 0 && len(r.DueGoals) == 0 {
		return "Nothing due."
	}
	var sb strings.Builder
	for _, p := range r.DuePromises {
		due := "unscheduled"
		if p.DueDate != nil {
			due = p.DueDate.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "Promise due %s: %s\n", due, p.Content)
	}
	for _, g := range r.DueGoals {
		due := "unscheduled"
		if g.TargetDate != nil {
			due = g.TargetDate.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "Goal due %s: %s (%d%%)\n", due, g.Content, g.Progress)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatItems(list []items.Item) string {
	if len(list) == 0 {
		return "No items."
	}
	var sb strings.Builder
	for _, item := range list {
		fmt.Fprintf(&sb, "%s x%d", item.Name, item.Quantity)
		if item.Category != "" {
			fmt.Fprintf(&sb, " [%s]", item.Category)
		}
		if item.Equipped {
			fmt.Fprintf(&sb, " (equipped: %s)", item.Slot)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatItemHistory(history []items.HistoryEntry) string {
	if len(history) == 0 {
		return "No history."
	}
	var sb strings.Builder
	for _, e := range history {
		fmt.Fprintf(&sb, "%s %s %s", e.Timestamp.Format(time.RFC3339), e.Action, e.ItemName)
		if e.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", e.Detail)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatContext(doc ContextDocument) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Persona: %s\n", doc.Persona)
	if doc.Context != nil {
		fmt.Fprintf(&sb, "Mood: %s  State: %s\n", doc.Context.Mood, doc.Context.State)
		if !doc.Context.LastConversation.IsZero() {
			fmt.Fprintf(&sb, "Last conversation: %s\n", doc.Context.LastConversation.Format(time.RFC3339))
		}
	}
	for _, b := range doc.Blocks {
		fmt.Fprintf(&sb, "[%s]\n%s\n", b.Name, b.Content)
	}
	for _, p := range doc.Promises {
		fmt.Fprintf(&sb, "Promise: %s\n", p.Content)
	}
	for _, g := range doc.Goals {
		fmt.Fprintf(&sb, "Goal: %s (%d%%)\n", g.Content, g.Progress)
	}
	if len(doc.Equipped) > 0 {
		slots := make([]string, 0, len(doc.Equipped))
		for slot := range doc.Equipped {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		sb.WriteString("Equipped:")
		for _, slot := range slots {
			fmt.Fprintf(&sb, " %s=%s", slot, doc.Equipped[slot])
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// ----- tool descriptions -----

func toolsList() []Tool {
	stringProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	numberProp := func(desc string) map[string]any {
		return map[string]any{"type": "number", "description": desc}
	}
	return []Tool{
		{
			Name: "memory",
			Description: "Persona-scoped long-term memory. Operations: create, read, update, delete, " +
				"search (modes keyword/semantic/hybrid/related/smart), stats, check_routines.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"operation"},
				"properties": map[string]any{
					"operation":           stringProp("Sub-operation: create, read, update, delete, search, stats, check_routines"),
					"key":                 stringProp("Memory key (read/update/delete, exact-match filter for search)"),
					"content":             stringProp("Memory content (create/update)"),
					"importance":          numberProp("Importance in [0,1], default 0.5"),
					"emotion_type":        stringProp("Emotion label"),
					"emotion_intensity":   numberProp("Emotion intensity in [0,1]"),
					"context_tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Tags"},
					"privacy_level":       stringProp("public, internal, private, or secret; markup and tags also apply"),
					"query":               stringProp("Search query (also accepts a key for read)"),
					"mode":                stringProp("Search mode: keyword, semantic, hybrid (default), related, smart"),
					"top_k":               numberProp("Result bound, default 5, max 50"),
					"fuzzy_match":         map[string]any{"type": "boolean", "description": "Enable edit-distance matching in keyword mode"},
					"fuzzy_threshold":     numberProp("Minimum fuzzy similarity percentage, default 70"),
					"importance_weight":   numberProp("Composite score importance weight"),
					"recency_weight":      numberProp("Composite score recency weight"),
					"related_to":          stringProp("Seed key for related mode"),
					"tags":                map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Tag filter"},
					"tag_match_mode":      stringProp("any (default) or all"),
					"date_range":          stringProp("today, yesterday, this week, 先週, 2025-01-01..2025-01-31, ..."),
					"min_importance":      numberProp("Importance floor filter"),
					"relationship_status": stringProp("Relationship status (write field, exact-match filter for search)"),
					"format":              stringProp("text (default) or json"),
				},
			},
		},
		{
			Name: "item",
			Description: "Inventory collaborator. Operations: add, remove, equip, unequip, update, " +
				"rename, search, history, memories, stats.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"operation"},
				"properties": map[string]any{
					"operation":   stringProp("Sub-operation"),
					"name":        stringProp("Item name"),
					"new_name":    stringProp("New name (rename)"),
					"category":    stringProp("Item category"),
					"description": stringProp("Item description"),
					"quantity":    numberProp("Quantity"),
					"slot":        stringProp("Equipment slot (equip)"),
					"query":       stringProp("Search query"),
					"limit":       numberProp("Result bound"),
					"format":      stringProp("text (default) or json"),
				},
			},
		},
		{
			Name:        "get_context",
			Description: "Returns the composite persona context: mood/state snapshot, memory blocks, active promises and goals, equipped items.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": stringProp("text (default) or json"),
				},
			},
		},
	}
}

// ----- JSON-RPC envelopes -----

func (s *Server) successResponse(id any, result any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) errorResponse(id any, code int, message string, err error) ([]byte, error) {
	rpcErr := &JSONRPCError{Code: code, Message: message}
	if err != nil {
		rpcErr.Data = err.Error()
	}
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
}
