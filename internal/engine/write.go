package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kokoroai/kokoro/internal/storage"
	"github.com/kokoroai/kokoro/internal/vector"
	"github.com/kokoroai/kokoro/pkg/types"
)

// defaultImportance is the stored importance when the caller omits one.
const defaultImportance = 0.5

// associationNeighbors is how many nearest neighbors feed related_keys.
const associationNeighbors = 3

// CreateInput carries the caller-supplied fields of a new memory. Nil
// pointers mean "use the default".
type CreateInput struct {
	Content            string
	Importance         *float64
	Emotion            string
	EmotionIntensity   *float64
	Tags               []string
	PhysicalState      string
	MentalState        string
	Environment        string
	RelationshipStatus string
	ActionTag          string
	RelatedKeys        []string
	EquippedItems      map[string]string
	PrivacyLevel       string
}

// Create runs the full write path: validate and normalize, assign a key,
// durable write, op-log, emotion history, async vector upsert, then
// association generation. The vector index is never touched before the
// durable write succeeds.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*types.MemoryRecord, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}

	now := e.now()
	content, level := e.resolvePrivacy(in.Content, in.Tags, in.PrivacyLevel)
	if e.cfg.Privacy.AutoRedactPII {
		content = redactPII(content)
	}

	record := &types.MemoryRecord{
		Content:            content,
		CreatedAt:          now,
		UpdatedAt:          now,
		Tags:               in.Tags,
		Importance:         defaultImportance,
		Emotion:            in.Emotion,
		PhysicalState:      in.PhysicalState,
		MentalState:        in.MentalState,
		Environment:        in.Environment,
		RelationshipStatus: in.RelationshipStatus,
		ActionTag:          in.ActionTag,
		RelatedKeys:        in.RelatedKeys,
		EquippedItems:      in.EquippedItems,
		PrivacyLevel:       level,
	}
	if in.Importance != nil {
		record.Importance = types.Clamp01(*in.Importance)
	}
	if in.EmotionIntensity != nil {
		record.EmotionIntensity = types.Clamp01(*in.EmotionIntensity)
	}

	key, err := e.assignKey(ctx, now)
	if err != nil {
		return nil, err
	}
	record.Key = key

	if err := e.store.Upsert(ctx, record); err != nil {
		e.logOp("create", key, nil, nil, err)
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}
	e.logOp("create", key, nil, record, nil)
	e.markWrite()
	e.notifyWrite("create", key)

	if record.Emotion != "" {
		if histErr := e.store.AppendEmotion(ctx, types.EmotionSnapshot{
			Timestamp:        now,
			MemoryKey:        key,
			Emotion:          record.Emotion,
			EmotionIntensity: record.EmotionIntensity,
		}); histErr != nil {
			log.Printf("WARNING: emotion history append failed for %s: %v", key, histErr)
		}
	}

	// Associations consult the index before this memory's own point lands,
	// so the new key can never appear as its own neighbor.
	e.generateAssociations(ctx, record)

	e.queue.EnqueueUpsert(payloadFor(record), EnrichedText(record))
	return record, nil
}

// UpdateInput carries the mutable fields of an update; nil / empty fields
// are left untouched.
type UpdateInput struct {
	Content            *string
	Importance         *float64
	Emotion            *string
	EmotionIntensity   *float64
	Tags               []string
	PhysicalState      *string
	MentalState        *string
	Environment        *string
	RelationshipStatus *string
	ActionTag          *string
	RelatedKeys        []string
	PrivacyLevel       *string
}

// Update mutates an existing row and re-enqueues its vector point. The
// point id derives from the key, so the upsert replaces in place.
func (e *Engine) Update(ctx context.Context, key string, in UpdateInput) (*types.MemoryRecord, error) {
	record, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	before := *record

	if in.Content != nil {
		content, level := e.resolvePrivacy(*in.Content, record.Tags, "")
		if e.cfg.Privacy.AutoRedactPII {
			content = redactPII(content)
		}
		record.Content = content
		if in.PrivacyLevel == nil {
			record.PrivacyLevel = level
		}
	}
	if in.Importance != nil {
		record.Importance = types.Clamp01(*in.Importance)
	}
	if in.Emotion != nil {
		record.Emotion = *in.Emotion
	}
	if in.EmotionIntensity != nil {
		record.EmotionIntensity = types.Clamp01(*in.EmotionIntensity)
	}
	if in.Tags != nil {
		record.Tags = in.Tags
	}
	if in.PhysicalState != nil {
		record.PhysicalState = *in.PhysicalState
	}
	if in.MentalState != nil {
		record.MentalState = *in.MentalState
	}
	if in.Environment != nil {
		record.Environment = *in.Environment
	}
	if in.RelationshipStatus != nil {
		record.RelationshipStatus = *in.RelationshipStatus
	}
	if in.ActionTag != nil {
		record.ActionTag = *in.ActionTag
	}
	if in.RelatedKeys != nil {
		record.RelatedKeys = in.RelatedKeys
	}
	if in.PrivacyLevel != nil {
		level := types.PrivacyLevel(*in.PrivacyLevel)
		if !level.Valid() {
			return nil, fmt.Errorf("%w: unknown privacy level %q", storage.ErrInvalidInput, *in.PrivacyLevel)
		}
		record.PrivacyLevel = level
	}
	record.UpdatedAt = e.now()

	if err := e.store.Upsert(ctx, record); err != nil {
		e.logOp("update", key, &before, nil, err)
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	e.logOp("update", key, &before, record, nil)
	e.markWrite()
	e.notifyWrite("update", key)

	e.queue.EnqueueUpsert(payloadFor(record), EnrichedText(record))
	return record, nil
}

// Delete removes the row then enqueues removal of its vector point.
// Idempotent: a missing key succeeds without touching the index.
func (e *Engine) Delete(ctx context.Context, key string) error {
	before, err := e.store.Get(ctx, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}

	if err := e.store.Delete(ctx, key); err != nil {
		e.logOp("delete", key, before, nil, err)
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	e.logOp("delete", key, before, nil, nil)
	e.markWrite()
	e.notifyWrite("delete", key)

	e.queue.EnqueueDelete([]string{key})
	return nil
}

// Read fetches a row and bumps its access counters best-effort.
func (e *Engine) Read(ctx context.Context, key string) (*types.MemoryRecord, error) {
	record, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	e.store.TouchAccess(key)
	return record, nil
}

// assignKey builds a wall-clock key, disambiguating with a numeric suffix
// when memories land within the same second.
func (e *Engine) assignKey(ctx context.Context, now time.Time) (string, error) {
	key := types.NewMemoryKey(now)
	if _, err := e.store.Get(ctx, key); err == storage.ErrNotFound {
		return key, nil
	} else if err != nil {
		return "", fmt.Errorf("key assignment: %w", err)
	}
	for n := 2; n < 1000; n++ {
		candidate := types.NewMemoryKeySuffix(now, n)
		if _, err := e.store.Get(ctx, candidate); err == storage.ErrNotFound {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("key assignment: %w", err)
		}
	}
	return "", fmt.Errorf("key assignment: exhausted suffixes for %s", key)
}

// privacy markup recognized at the start of content; the marker is
// stripped before storage.
var privacyMarkers = []struct {
	marker string
	level  types.PrivacyLevel
}{
	{"[secret]", types.PrivacySecret},
	{"[private]", types.PrivacyPrivate},
	{"[public]", types.PrivacyPublic},
}

// resolvePrivacy strips privacy markup from content and computes the
// effective level: explicit parameter > content markup > tags > config
// default.
func (e *Engine) resolvePrivacy(content string, tags []string, explicit string) (string, types.PrivacyLevel) {
	markupLevel := types.PrivacyLevel("")
	trimmed := content
	lower := strings.ToLower(strings.TrimSpace(content))
	for _, m := range privacyMarkers {
		if strings.HasPrefix(lower, m.marker) {
			markupLevel = m.level
			idx := strings.Index(strings.ToLower(content), m.marker)
			trimmed = strings.TrimSpace(content[:idx] + content[idx+len(m.marker):])
			break
		}
	}

	if explicit != "" {
		level := types.PrivacyLevel(explicit)
		if level.Valid() {
			return trimmed, level
		}
		log.Printf("WARNING: unknown privacy level %q, using default", explicit)
	}
	if markupLevel != "" {
		return trimmed, markupLevel
	}
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "secret":
			return trimmed, types.PrivacySecret
		case "private":
			return trimmed, types.PrivacyPrivate
		}
	}
	if level := types.PrivacyLevel(e.cfg.Privacy.DefaultLevel); level.Valid() {
		return trimmed, level
	}
	return trimmed, types.PrivacyInternal
}

// generateAssociations populates related_keys from the nearest neighbors
// and applies the emotion-driven importance boost. Best-effort: index
// failures leave the record as written.
func (e *Engine) generateAssociations(ctx context.Context, record *types.MemoryRecord) {
	if len(record.RelatedKeys) > 0 {
		return // caller-supplied associations win
	}
	hits, err := e.index.SearchByText(ctx, record.Content, associationNeighbors, nil)
	if err != nil {
		log.Printf("WARNING: association search failed for %s: %v", record.Key, err)
		return
	}
	if len(hits) == 0 {
		return
	}

	boost := 0.2 * record.EmotionIntensity
	var related []string
	for _, hit := range hits {
		if hit.Payload.Key == record.Key {
			continue
		}
		related = append(related, hit.Payload.Key)
		if neighbor, err := e.store.Get(ctx, hit.Payload.Key); err == nil {
			boost += 0.2 * neighbor.EmotionIntensity
		}
	}
	if len(related) == 0 {
		return
	}

	record.RelatedKeys = related
	record.Importance = types.Clamp01(record.Importance + boost)
	if err := e.store.Upsert(ctx, record); err != nil {
		log.Printf("WARNING: association write-back failed for %s: %v", record.Key, err)
	}
}

// payloadFor mirrors the searchable columns of a record into the vector
// point payload.
func payloadFor(record *types.MemoryRecord) vector.Payload {
	return vector.Payload{
		Key:         record.Key,
		Content:     record.Content,
		Tags:        record.Tags,
		Emotion:     record.Emotion,
		Importance:  record.Importance,
		ActionTag:   record.ActionTag,
		Environment: record.Environment,
		CreatedAt:   record.CreatedAt,
	}
}

// logOp appends an audit entry; best-effort by contract.
func (e *Engine) logOp(operation, key string, before, after *types.MemoryRecord, opErr error) {
	entry := types.OpLogEntry{
		Timestamp: e.now(),
		Operation: operation,
		Key:       key,
		Before:    before,
		After:     after,
		Success:   opErr == nil,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	e.store.AppendOpLog(entry)
}
