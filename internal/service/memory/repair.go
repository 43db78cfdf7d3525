package memory

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/9121343/sxudo/internal/model/chat"
)

// Reasons a memory file is considered malformed.
const (
	ReasonUnparsable     = "unparsable"
	ReasonNotObject      = "not_object"
	ReasonLegacySession  = "legacy_single_session"
	ReasonMissingHistory = "missing_history"
	ReasonFlatPairs      = "flat_pairs"
	ReasonLegacyKeys     = "legacy_keys"
	ReasonInvalidEntry   = "invalid_entry"
)

const backupTimeLayout = "20060102_150405"

// RepairReport describes what a repair pass did.
type RepairReport struct {
	Repaired   bool     `json:"repaired"`
	BackupPath string   `json:"backupPath,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Repair checks the memory file and, when its shape is wrong, writes a
// timestamped backup of the original bytes before rewriting it in the
// expected shape. A missing file needs no repair.
func (s *Store) Repair() (RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return RepairReport{}, nil
		}
		return RepairReport{}, fmt.Errorf("read memory file: %w", err)
	}

	result := decodeStore(data)
	if !result.repaired() {
		return RepairReport{}, nil
	}
	return s.repairLocked(data, result)
}

func (s *Store) repairLocked(original []byte, result decodeResult) (RepairReport, error) {
	report := RepairReport{Reasons: result.reasons}

	backup, err := s.writeBackupLocked(original)
	if err != nil {
		// without a backup the original must stay untouched
		return report, err
	}
	report.BackupPath = backup

	if err := s.writeLocked(result.store); err != nil {
		return report, err
	}
	report.Repaired = true

	for _, reason := range result.reasons {
		s.metrics.RecordStoreRepair(reason)
	}
	log.Warn().
		Str("path", s.path).
		Str("backup", backup).
		Strs("reasons", result.reasons).
		Int("users", len(result.store)).
		Msg("repaired malformed memory file")

	return report, nil
}

func (s *Store) writeBackupLocked(original []byte) (string, error) {
	dir := filepath.Dir(s.path)
	ext := filepath.Ext(s.path)
	if ext == "" {
		ext = ".json"
	}
	stem := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	stamp := s.now().Format(backupTimeLayout)

	for attempt := 0; attempt < 100; attempt++ {
		name := fmt.Sprintf("%s_backup_%s%s", stem, stamp, ext)
		if attempt > 0 {
			name = fmt.Sprintf("%s_backup_%s_%d%s", stem, stamp, attempt, ext)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create memory backup: %w", err)
		}
		if _, err := f.Write(original); err != nil {
			f.Close()
			return "", fmt.Errorf("write memory backup: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return "", fmt.Errorf("sync memory backup: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close memory backup: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("create memory backup: too many backups for %s", stamp)
}

type decodeResult struct {
	store   chat.Store
	reasons []string
}

func (r *decodeResult) repaired() bool {
	return len(r.reasons) > 0
}

func (r *decodeResult) flag(reason string) {
	for _, existing := range r.reasons {
		if existing == reason {
			return
		}
	}
	r.reasons = append(r.reasons, reason)
}

// decodeStore parses the memory file, salvaging whatever older layouts of the
// file contain. Any deviation from the current layout is flagged for repair.
func decodeStore(data []byte) decodeResult {
	res := decodeResult{store: chat.Store{}}
	if len(bytes.TrimSpace(data)) == 0 {
		return res
	}
	if !gjson.ValidBytes(data) {
		res.flag(ReasonUnparsable)
		return res
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		res.flag(ReasonNotObject)
		return res
	}

	// {"username": "...", "history": [...]} written by the single-user version
	if root.Get("history").IsArray() {
		res.flag(ReasonLegacySession)
		username := strings.TrimSpace(root.Get("username").String())
		if username == "" {
			username = chat.DefaultUsername
		}
		res.store[username] = res.decodeSession(username, root)
		return res
	}

	var pairs []chat.Turn
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		switch {
		case value.IsObject() && value.Get("history").IsArray():
			res.store[name] = res.decodeSession(name, value)
		case value.IsObject():
			res.flag(ReasonMissingHistory)
			res.store[name] = chat.NewSession(name)
		case value.Type == gjson.String:
			// flat "message": "reply" pairs
			res.flag(ReasonFlatPairs)
			pairs = append(pairs, chat.Turn{UserText: name, AssistantText: value.String()})
		default:
			res.flag(ReasonInvalidEntry)
		}
		return true
	})

	if len(pairs) > 0 {
		session, ok := res.store[chat.DefaultUsername]
		if !ok {
			session = chat.NewSession(chat.DefaultUsername)
		}
		session.History = append(session.History, pairs...)
		session.FirstInteraction = false
		res.store[chat.DefaultUsername] = session
	}

	return res
}

func (r *decodeResult) decodeSession(name string, value gjson.Result) chat.Session {
	session := chat.Session{Username: name, History: []chat.Turn{}}

	first := value.Get("firstInteraction")
	if !first.Exists() {
		if legacy := value.Get("first_interaction"); legacy.Exists() {
			r.flag(ReasonLegacyKeys)
			first = legacy
		}
	}
	session.FirstInteraction = first.Bool()

	value.Get("history").ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			r.flag(ReasonInvalidEntry)
			return true
		}
		session.History = append(session.History, r.decodeTurn(item))
		return true
	})
	return session
}

func (r *decodeResult) decodeTurn(item gjson.Result) chat.Turn {
	turn := chat.Turn{
		ID:            item.Get("id").String(),
		UserText:      r.pick(item, "userText", "user"),
		AssistantText: r.pick(item, "assistantText", "assistant", "sxudo"),
		Emotion:       item.Get("emotion").String(),
		ModelUsed:     r.pick(item, "modelUsed", "model_used"),
	}

	hasImage := item.Get("hasImage")
	if !hasImage.Exists() {
		if legacy := item.Get("has_image"); legacy.Exists() {
			r.flag(ReasonLegacyKeys)
			hasImage = legacy
		}
	}
	turn.HasImage = hasImage.Bool()

	if ts := item.Get("timestamp"); ts.Exists() {
		turn.Timestamp = parseTimestamp(ts.String())
	}
	return turn
}

// pick returns the first present key, flagging the turn when only a legacy key is present.
func (r *decodeResult) pick(item gjson.Result, current string, legacy ...string) string {
	if v := item.Get(current); v.Exists() {
		return v.String()
	}
	for _, key := range legacy {
		if v := item.Get(key); v.Exists() {
			r.flag(ReasonLegacyKeys)
			return v.String()
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return ts
		}
	}
	return time.Time{}
}
