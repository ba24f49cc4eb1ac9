// Package convstore implements the Conversation Store (C7): best-effort
// file-backed JSON persistence of an agent's transcript.
package convstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nexuscore/agentkernel/pkg/kernelproto"
)

// sanitizeReplacer maps each of `:|@/\<>*?"` to `_`, matching the
// filename-sanitization rule in spec §6 exactly.
var sanitizeReplacer = strings.NewReplacer(
	":", "_", "|", "_", "@", "_", "/", "_", "\\", "_",
	"<", "_", ">", "_", "*", "_", "?", "_", `"`, "_",
)

func sanitize(id string) string {
	return sanitizeReplacer.Replace(id)
}

// Data is the JSON document written by Save and read by Load, matching
// the wire format in spec §6 exactly (IConversationData).
type Data struct {
	AgentID  string                    `json:"agentId"`
	Messages []kernelproto.ChatMessage `json:"messages"`
	SavedAt  string                    `json:"savedAt"`
	Metadata map[string]string         `json:"metadata,omitempty"`
}

// Store is a directory of conversation JSON files. Grounded on
// internal/sessions/store.go's Store interface shape (CRUD plus
// GetHistory), reworked from a SQL-backed session/message model to the
// spec's flat file-per-save format: every Save call writes a NEW,
// timestamped file rather than overwriting one row, and Load picks the
// most recent file for an agent id when no exact filename is given.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the store's clock, for deterministic filename
// generation in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Store rooted at dir. dir is not created until the first
// Save; a missing directory is not itself an error.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// filenameFor builds conversation_<sanitized_agentId>_<epoch_ms>.json.
func (s *Store) filenameFor(agentID string, at time.Time) string {
	return fmt.Sprintf("conversation_%s_%d.json", sanitize(agentID), at.UnixMilli())
}

// Save writes messages (and optional metadata) for agentID as a new,
// timestamped JSON file, creating the store's directory if absent.
// Directory-creation failure is logged, not returned, per spec §4.7/§7 —
// the subsequent file write surfaces the real error if the directory
// genuinely could not be created. filename overrides the generated name
// when non-empty (mainly for tests and explicit overwrite requests).
func (s *Store) Save(agentID string, messages []kernelproto.ChatMessage, metadata map[string]string, filename string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn("convstore: failed to create data directory", "dir", s.dir, "error", err)
	}

	if filename == "" {
		filename = s.filenameFor(agentID, s.now())
	}

	data := Data{
		AgentID:  agentID,
		Messages: messages,
		SavedAt:  s.now().UTC().Format(time.RFC3339),
		Metadata: metadata,
	}
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("convstore: marshal conversation: %w", err)
	}

	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("convstore: write conversation: %w", err)
	}
	return filename, nil
}

// Load returns the message sequence for agentID, or nil if none can be
// found or read. Every failure mode (missing directory, no matching file,
// unreadable file, malformed JSON) degrades to an empty result rather
// than an error, per spec §7's "loading is best-effort" rule. filename
// forces loading one specific file instead of scanning for the latest.
func (s *Store) Load(agentID, filename string) []kernelproto.ChatMessage {
	path := filename
	if path == "" {
		latest, ok := s.latestFile(agentID)
		if !ok {
			return nil
		}
		path = latest
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("convstore: load failed, returning empty sequence", "path", path, "error", err)
		return nil
	}
	var data Data
	if err := json.Unmarshal(body, &data); err != nil {
		s.logger.Debug("convstore: malformed conversation file, returning empty sequence", "path", path, "error", err)
		return nil
	}
	return data.Messages
}

// latestFile scans dir for files matching conversation_<sanitized_id>_*.json
// and returns the full path of the one with the largest embedded epoch-ms,
// per spec §4.6's "sort descending by filename, load the first" rule.
func (s *Store) latestFile(agentID string) (string, bool) {
	prefix := "conversation_" + sanitize(agentID) + "_"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", false
	}

	var best string
	var bestEpoch int64 = -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		epochPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		epoch, err := strconv.ParseInt(epochPart, 10, 64)
		if err != nil {
			continue
		}
		if epoch > bestEpoch {
			bestEpoch = epoch
			best = name
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(s.dir, best), true
}

// ListSaved returns every saved filename for agentID, sorted descending
// (newest first), for callers that want the full history rather than just
// the latest snapshot.
func (s *Store) ListSaved(agentID string) []string {
	prefix := "conversation_" + sanitize(agentID) + "_"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}
