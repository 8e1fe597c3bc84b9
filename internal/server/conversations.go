package server

import (
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/agenthub-ai/agenthub/internal/llm"
	"github.com/agenthub-ai/agenthub/internal/logger"
)

const conversationStorageVersion = 1

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(map[string]string{})
}

// StoredConversation is the on-disk conversation format.
type StoredConversation struct {
	Version   int
	Tenant    string
	ID        string
	Messages  []llm.Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checkpointer persists conversations between process restarts.
type Checkpointer interface {
	Save(conv *StoredConversation) error
	Load(tenant, id string) (*StoredConversation, error)
}

// conversation is one live tenant conversation.
type conversation struct {
	tenant    string
	id        string
	messages  []llm.Message
	createdAt time.Time
	updatedAt time.Time
}

// ConversationStore keeps conversations in memory and checkpoints each
// update. Misses fall through to the checkpointer before starting fresh.
type ConversationStore struct {
	mu           sync.Mutex
	convs        map[string]*conversation
	checkpointer Checkpointer
	log          *logger.Logger
}

func NewConversationStore(checkpointer Checkpointer) *ConversationStore {
	return &ConversationStore{
		convs:        make(map[string]*conversation),
		checkpointer: checkpointer,
		log:          logger.WithPrefix("conversations"),
	}
}

func conversationKey(tenant, id string) string {
	return tenant + "\x00" + id
}

func (s *ConversationStore) get(tenant, id string) *conversation {
	key := conversationKey(tenant, id)
	if conv, ok := s.convs[key]; ok {
		return conv
	}

	conv := &conversation{tenant: tenant, id: id, createdAt: time.Now()}
	if s.checkpointer != nil {
		if stored, err := s.checkpointer.Load(tenant, id); err == nil {
			conv.messages = stored.Messages
			conv.createdAt = stored.CreatedAt
			conv.updatedAt = stored.UpdatedAt
		}
	}
	s.convs[key] = conv
	return conv
}

// History returns a copy of the conversation's messages.
func (s *ConversationStore) History(tenant, id string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.get(tenant, id)
	return append([]llm.Message{}, conv.messages...)
}

// Append adds messages to the conversation and checkpoints it.
func (s *ConversationStore) Append(tenant, id string, messages ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.get(tenant, id)
	conv.messages = append(conv.messages, messages...)
	conv.updatedAt = time.Now()

	if s.checkpointer == nil {
		return
	}
	stored := &StoredConversation{
		Version:   conversationStorageVersion,
		Tenant:    conv.tenant,
		ID:        conv.id,
		Messages:  append([]llm.Message{}, conv.messages...),
		CreatedAt: conv.createdAt,
		UpdatedAt: conv.updatedAt,
	}
	if err := s.checkpointer.Save(stored); err != nil {
		s.log.Warn("checkpoint for %s/%s failed: %v", tenant, id, err)
	}
}

// DropTenant forgets every in-memory conversation of a tenant.
func (s *ConversationStore) DropTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tenant + "\x00"
	for key := range s.convs {
		if strings.HasPrefix(key, prefix) {
			delete(s.convs, key)
		}
	}
}

// FileCheckpointer stores conversations as gob files under the state
// directory, one subdirectory per tenant hash.
type FileCheckpointer struct {
	baseDir string
}

// NewFileCheckpointer creates a checkpointer rooted at dir; when dir is
// empty the platform state directory is used.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if dir == "" {
		var err error
		dir, err = stateDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating conversation directory: %w", err)
	}
	return &FileCheckpointer{baseDir: dir}, nil
}

func stateDir() (string, error) {
	if runtime.GOOS == "linux" {
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agenthub", "conversations"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".local", "state", "agenthub", "conversations"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "agenthub", "conversations"), nil
}

func hashTenant(tenant string) string {
	hash := sha256.Sum256([]byte(tenant))
	return fmt.Sprintf("%x", hash)[:16]
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeConversationID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, string(os.PathSeparator), "-")
	id = unsafeIDChars.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")
	if id == "" {
		id = fmt.Sprintf("conversation-%d", time.Now().Unix())
	}
	return id
}

func (c *FileCheckpointer) path(tenant, id string) string {
	return filepath.Join(c.baseDir, hashTenant(tenant), sanitizeConversationID(id)+".gob")
}

// Save writes the conversation atomically via a temp file and rename.
func (c *FileCheckpointer) Save(conv *StoredConversation) error {
	finalPath := c.path(conv.Tenant, conv.ID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("creating tenant directory: %w", err)
	}

	tempPath := finalPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(conv); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("encoding conversation: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Load reads a conversation back, rejecting incompatible storage versions.
func (c *FileCheckpointer) Load(tenant, id string) (*StoredConversation, error) {
	file, err := os.Open(c.path(tenant, id))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var stored StoredConversation
	if err := gob.NewDecoder(file).Decode(&stored); err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	if stored.Version != conversationStorageVersion {
		return nil, fmt.Errorf("conversation version mismatch: expected %d, got %d",
			conversationStorageVersion, stored.Version)
	}
	return &stored, nil
}
