package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/internal/items"
	"github.com/kokoroai/kokoro/internal/persona"
	"github.com/kokoroai/kokoro/internal/storage/sqlite"
	"github.com/kokoroai/kokoro/internal/vector"
	"github.com/kokoroai/kokoro/pkg/types"
)

// wordIndex is a deterministic in-memory vector.Index: similarity is the
// share of query words present in the enriched document.
type wordIndex struct {
	mu   sync.Mutex
	docs map[string]string // key -> enriched text
	meta map[string]vector.Payload
}

func newWordIndex() *wordIndex {
	return &wordIndex{docs: map[string]string{}, meta: map[string]vector.Payload{}}
}

func (w *wordIndex) Upsert(_ context.Context, p vector.Payload, enriched string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs[p.Key] = enriched
	w.meta[p.Key] = p
	return nil
}

func (w *wordIndex) Delete(_ context.Context, keys []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range keys {
		delete(w.docs, k)
		delete(w.meta, k)
	}
	return nil
}

func (w *wordIndex) SearchByVector(context.Context, []float32, int, *vector.Filter) ([]vector.Hit, error) {
	return nil, nil
}

func (w *wordIndex) SearchByText(_ context.Context, query string, k int, filter *vector.Filter) ([]vector.Hit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	words := strings.Fields(strings.ToLower(query))
	var hits []vector.Hit
	for key, doc := range w.docs {
		if !filter.Empty() && !filter.Matches(w.meta[key]) {
			continue
		}
		lower := strings.ToLower(doc)
		matched := 0
		for _, word := range words {
			if strings.Contains(lower, word) {
				matched++
			}
		}
		if len(words) == 0 || matched == 0 {
			continue
		}
		sim := float64(matched) / float64(len(words))
		hits = append(hits, vector.Hit{Payload: w.meta[key], Distance: 1 - sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Payload.Key < hits[j].Payload.Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (w *wordIndex) Rebuild(_ context.Context, docs []vector.RebuildDoc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs = map[string]string{}
	w.meta = map[string]vector.Payload{}
	for _, d := range docs {
		w.docs[d.Payload.Key] = d.Enriched
		w.meta[d.Payload.Key] = d.Payload
	}
	return nil
}

func (w *wordIndex) Count(context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.docs), nil
}

func (w *wordIndex) Close() error { return nil }

// testProvider builds one real session per persona under a temp dir.
type testProvider struct {
	t        *testing.T
	resolver *persona.Resolver

	mu       sync.Mutex
	sessions map[string]*Session
}

func newTestProvider(t *testing.T) *testProvider {
	return &testProvider{
		t:        t,
		resolver: persona.NewResolver(t.TempDir()),
		sessions: map[string]*Session{},
	}
}

func (p *testProvider) Session(name string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[name]; ok {
		return sess, nil
	}

	paths, err := p.resolver.Paths(name)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.Open(paths.MemoryDB)
	if err != nil {
		return nil, err
	}
	p.t.Cleanup(func() { store.Close() })
	itemStore, err := items.Open(paths.EquipmentDB)
	if err != nil {
		return nil, err
	}
	p.t.Cleanup(func() { itemStore.Close() })

	eng, err := engine.New(engine.Options{
		Persona: name,
		Config:  config.Defaults(),
		Store:   store,
		Tasks:   store,
		Index:   newWordIndex(),
	})
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Engine:  eng,
		Items:   itemStore,
		Tasks:   store,
		Context: persona.NewContextStore(paths),
	}
	p.sessions[name] = sess
	return sess, nil
}

func newTestServer(t *testing.T) (*Server, *testProvider) {
	provider := newTestProvider(t)
	return NewServer(provider), provider
}

func rpc(t *testing.T, s *Server, method string, params any) JSONRPCResponse {
	t.Helper()
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		rawParams = data
	}
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": rawParams,
	})
	require.NoError(t, err)

	respBytes, err := s.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	return resp
}

// callTool runs one tools/call and returns the text content plus the
// IsError flag.
func callTool(t *testing.T, s *Server, tool string, args any) (string, bool) {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	require.NoError(t, err)
	resp := rpc(t, s, "tools/call", ToolCallParams{Name: tool, Arguments: argsJSON})
	require.Nil(t, resp.Error, "unexpected JSON-RPC error: %+v", resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.NotEmpty(t, result.Content)
	return result.Content[0].Text, result.IsError
}

func TestInitializeHandshake(t *testing.T) {
	s, _ := newTestServer(t)

	resp := rpc(t, s, "initialize", nil)
	require.Nil(t, resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var init InitializeResult
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.Equal(t, "kokoro", init.ServerInfo.Name)
	assert.NotNil(t, init.Capabilities.Tools)
	assert.NotNil(t, init.Capabilities.Resources)
}

func TestToolsListNamesAllTools(t *testing.T) {
	s, _ := newTestServer(t)

	resp := rpc(t, s, "tools/list", nil)
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var list ToolsListResult
	require.NoError(t, json.Unmarshal(data, &list))

	names := make([]string, len(list.Tools))
	for i, tool := range list.Tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"memory", "item", "get_context"}, names)
}

func TestUnknownMethodAndParseError(t *testing.T) {
	s, _ := newTestServer(t)

	resp := rpc(t, s, "no/such/method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)

	respBytes, err := s.HandleRequest(context.Background(), []byte("{not json"))
	require.NoError(t, err)
	var parseResp JSONRPCResponse
	require.NoError(t, json.Unmarshal(respBytes, &parseResp))
	require.NotNil(t, parseResp.Error)
	assert.Equal(t, ErrCodeParseError, parseResp.Error.Code)
}

func TestMemoryCreateReadRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s, "memory", map[string]any{
		"operation":    "create",
		"content":      "First walk along the river",
		"context_tags": []string{"walk"},
	})
	require.False(t, isErr, text)
	require.Contains(t, text, "memory_")
	key := text[strings.Index(text, "memory_") : len(text)-1]

	// Read accepts the key via either field.
	text, isErr = callTool(t, s, "memory", map[string]any{"operation": "read", "key": key})
	require.False(t, isErr, text)
	assert.Contains(t, text, "First walk along the river")
	assert.Contains(t, text, "walk")

	text, isErr = callTool(t, s, "memory", map[string]any{"operation": "read", "query": key})
	require.False(t, isErr, text)
	assert.Contains(t, text, "First walk along the river")
}

func TestMemoryCreateJSONFormat(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s, "memory", map[string]any{
		"operation": "create",
		"content":   "json format check",
		"format":    "json",
	})
	require.False(t, isErr, text)

	var record types.MemoryRecord
	require.NoError(t, json.Unmarshal([]byte(text), &record))
	assert.Equal(t, "json format check", record.Content)
	assert.True(t, strings.HasPrefix(record.Key, "memory_"))
}

func TestToolErrorsAreErrorContent(t *testing.T) {
	s, _ := newTestServer(t)

	// Missing key: handled failure, single sigil-prefixed line, not a
	// JSON-RPC error.
	text, isErr := callTool(t, s, "memory", map[string]any{"operation": "read"})
	assert.True(t, isErr)
	assert.True(t, strings.HasPrefix(text, errorSigil), text)
	assert.NotContains(t, text, "\n")

	text, isErr = callTool(t, s, "memory", map[string]any{"operation": "transmogrify"})
	assert.True(t, isErr)
	assert.Contains(t, text, "transmogrify")

	text, isErr = callTool(t, s, "nonexistent", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown tool")
}

func TestMemorySearchViaTool(t *testing.T) {
	s, provider := newTestServer(t)

	for i, content := range []string{
		"Plans for the summer festival",
		"Grocery list for the week",
		"Festival fireworks were stunning",
	} {
		_, isErr := callTool(t, s, "memory", map[string]any{
			"operation": "create", "content": content,
			"importance": 0.4 + float64(i)*0.1,
		})
		require.False(t, isErr)
	}
	sess, err := provider.Session(persona.DefaultPersona)
	require.NoError(t, err)
	require.NoError(t, sess.Engine.DrainQueue(context.Background()))

	text, isErr := callTool(t, s, "memory", map[string]any{
		"operation": "search", "query": "festival", "format": "json",
	})
	require.False(t, isErr, text)

	var results []engine.SearchResult
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, strings.ToLower(r.Record.Content), "festival")
	}
}

func TestSearchFiltersByRelationshipAndKey(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s, "memory", map[string]any{
		"operation": "create", "content": "Tea ceremony with Hana",
		"relationship_status": "close friend",
	})
	require.False(t, isErr, text)
	friendKey := text[strings.Index(text, "memory_") : len(text)-1]

	text, isErr = callTool(t, s, "memory", map[string]any{
		"operation": "create", "content": "Argument at the tea house",
		"relationship_status": "estranged",
	})
	require.False(t, isErr, text)

	// Relationship status narrows an otherwise matching-all keyword scan.
	text, isErr = callTool(t, s, "memory", map[string]any{
		"operation": "search", "mode": "keyword",
		"relationship_status": "close friend", "format": "json",
	})
	require.False(t, isErr, text)
	var results []engine.SearchResult
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	require.Len(t, results, 1)
	assert.Equal(t, friendKey, results[0].Record.Key)

	// Key filter is an exact match.
	text, isErr = callTool(t, s, "memory", map[string]any{
		"operation": "search", "mode": "keyword", "key": friendKey, "format": "json",
	})
	require.False(t, isErr, text)
	results = nil
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	require.Len(t, results, 1)
	assert.Equal(t, friendKey, results[0].Record.Key)

	text, isErr = callTool(t, s, "memory", map[string]any{
		"operation": "search", "mode": "keyword", "key": "memory_nope", "format": "json",
	})
	require.False(t, isErr, text)
	results = nil
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	assert.Empty(t, results)
}

func TestItemLifecycleViaTool(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := callTool(t, s, "item", map[string]any{
		"operation": "add", "name": "silver ring", "category": "accessory",
	})
	require.False(t, isErr, text)
	assert.Contains(t, text, "silver ring")

	text, isErr = callTool(t, s, "item", map[string]any{
		"operation": "equip", "name": "silver ring", "slot": "finger",
	})
	require.False(t, isErr, text)
	assert.Contains(t, text, "finger")

	text, isErr = callTool(t, s, "item", map[string]any{"operation": "stats", "format": "json"})
	require.False(t, isErr, text)
	var stats items.Stats
	require.NoError(t, json.Unmarshal([]byte(text), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Equipped)

	text, isErr = callTool(t, s, "item", map[string]any{
		"operation": "equip", "name": "missing item", "slot": "finger",
	})
	assert.True(t, isErr)
	assert.True(t, strings.HasPrefix(text, errorSigil))
}

func TestItemMemoriesUnionsContentAndSnapshot(t *testing.T) {
	s, provider := newTestServer(t)
	ctx := context.Background()

	_, isErr := callTool(t, s, "item", map[string]any{
		"operation": "add", "name": "raincoat", "category": "clothing",
	})
	require.False(t, isErr)
	_, isErr = callTool(t, s, "item", map[string]any{
		"operation": "equip", "name": "raincoat", "slot": "body",
	})
	require.False(t, isErr)

	// Written while equipped: carried by the snapshot, not the content.
	_, isErr = callTool(t, s, "memory", map[string]any{
		"operation": "create", "content": "Walked through the storm",
	})
	require.False(t, isErr)

	_, isErr = callTool(t, s, "item", map[string]any{"operation": "unequip", "name": "raincoat"})
	require.False(t, isErr)

	// Mentions the item by name only.
	_, isErr = callTool(t, s, "memory", map[string]any{
		"operation": "create", "content": "Bought a new raincoat today",
	})
	require.False(t, isErr)

	sess, err := provider.Session(persona.DefaultPersona)
	require.NoError(t, err)
	require.NoError(t, sess.Engine.DrainQueue(ctx))

	text, isErr := callTool(t, s, "item", map[string]any{
		"operation": "memories", "name": "raincoat", "format": "json",
	})
	require.False(t, isErr, text)

	var results []engine.SearchResult
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	contents := make([]string, len(results))
	for i, r := range results {
		contents[i] = r.Record.Content
	}
	assert.Contains(t, contents, "Walked through the storm")
	assert.Contains(t, contents, "Bought a new raincoat today")
}

func TestGetContextComposite(t *testing.T) {
	s, provider := newTestServer(t)
	ctx := context.Background()

	sess, err := provider.Session(persona.DefaultPersona)
	require.NoError(t, err)
	require.NoError(t, sess.Tasks.UpsertBlock(ctx, &types.MemoryBlock{
		Name: "persona_state", Content: "cheerful, focused on the garden",
	}))
	require.NoError(t, sess.Tasks.UpsertPromise(ctx, &types.Promise{
		Content: "water the tomatoes", Status: types.TaskActive,
	}))
	_, isErr := callTool(t, s, "item", map[string]any{
		"operation": "add", "name": "watering can",
	})
	require.False(t, isErr)
	_, isErr = callTool(t, s, "item", map[string]any{
		"operation": "equip", "name": "watering can", "slot": "hand",
	})
	require.False(t, isErr)

	text, isErr := callTool(t, s, "get_context", map[string]any{})
	require.False(t, isErr, text)
	assert.Contains(t, text, "persona_state")
	assert.Contains(t, text, "cheerful, focused on the garden")
	assert.Contains(t, text, "water the tomatoes")
	assert.Contains(t, text, "hand=watering can")

	text, isErr = callTool(t, s, "get_context", map[string]any{"format": "json"})
	require.False(t, isErr, text)
	var doc ContextDocument
	require.NoError(t, json.Unmarshal([]byte(text), &doc))
	assert.Equal(t, persona.DefaultPersona, doc.Persona)
	require.Len(t, doc.Promises, 1)
}

func TestPersonaIsolationAcrossSessions(t *testing.T) {
	s, _ := newTestServer(t)

	ctxA := WithPersona(context.Background(), "alice")
	argsJSON, _ := json.Marshal(map[string]any{
		"operation": "create", "content": "alice only secret garden",
	})
	result := s.CallTool(ctxA, "memory", argsJSON)
	require.Nil(t, result.Err)

	// A different persona sees an empty store.
	ctxB := WithPersona(context.Background(), "bob")
	statsJSON, _ := json.Marshal(map[string]any{"operation": "stats", "format": "json"})
	result = s.CallTool(ctxB, "memory", statsJSON)
	require.Nil(t, result.Err)

	data, err := json.Marshal(result.JSON)
	require.NoError(t, err)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 0, stats.Count)
}

func TestResourcesListAndRead(t *testing.T) {
	s, _ := newTestServer(t)

	resp := rpc(t, s, "resources/list", nil)
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var list ResourcesListResult
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Resources, 2)

	resp = rpc(t, s, "resources/read", ResourceReadParams{URI: "kokoro://metrics"})
	require.Nil(t, resp.Error)
	data, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	var read ResourceReadResult
	require.NoError(t, json.Unmarshal(data, &read))
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "application/json", read.Contents[0].MimeType)
	assert.Contains(t, read.Contents[0].Text, "queue_depth")

	resp = rpc(t, s, "resources/read", ResourceReadParams{URI: "kokoro://bogus"})
	require.NotNil(t, resp.Error)
}

func TestFlexibleTagFormats(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"array", `{"operation":"create","context_tags":["a","b"]}`, []string{"a", "b"}},
		{"encoded array string", `{"operation":"create","context_tags":"[\"a\",\"b\"]"}`, []string{"a", "b"}},
		{"comma separated", `{"operation":"create","context_tags":"a, b , c"}`, []string{"a", "b", "c"}},
		{"absent", `{"operation":"create"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var args MemoryArgs
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &args))
			assert.Equal(t, tc.want, args.ContextTags)
		})
	}
}

func TestCheckRoutinesViaTool(t *testing.T) {
	s, provider := newTestServer(t)
	ctx := context.Background()

	sess, err := provider.Session(persona.DefaultPersona)
	require.NoError(t, err)
	due := time.Now().AddDate(0, 0, 2)
	require.NoError(t, sess.Tasks.UpsertPromise(ctx, &types.Promise{
		Content: "call the dentist", Status: types.TaskActive, DueDate: &due,
	}))
	require.NoError(t, sess.Tasks.UpsertPromise(ctx, &types.Promise{
		Content: "someday learn the violin", Status: types.TaskActive,
	}))

	text, isErr := callTool(t, s, "memory", map[string]any{"operation": "check_routines"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "call the dentist")
	assert.NotContains(t, text, "violin")
}
