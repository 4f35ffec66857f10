package tabs

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ops-console/terminal/internal/buffer"
	"github.com/ops-console/terminal/internal/model"
)

// SavedTab is the persisted projection of a tab: display metadata only.
// Session ids, connection state and credentials are never written.
type SavedTab struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	HostID       string    `json:"hostId"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// snapshotFile is the on-disk format.
type snapshotFile struct {
	Tabs    []SavedTab `json:"tabs"`
	SavedAt int64      `json:"savedAt"`
}

// SnapshotStore persists the tab set as one JSON file, overwritten
// wholesale on every save.
type SnapshotStore struct {
	filePath string
}

// NewSnapshotStore creates a store writing to the given path.
func NewSnapshotStore(filePath string) *SnapshotStore {
	return &SnapshotStore{filePath: filePath}
}

// Save overwrites the snapshot with the given tabs.
func (s *SnapshotStore) Save(tabs []SavedTab) error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&snapshotFile{
		Tabs:    tabs,
		SavedAt: time.Now().Unix(),
	}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.filePath, data, 0600)
}

// Load reads the snapshot. A missing or corrupt file yields an empty tab
// set, not an error.
func (s *SnapshotStore) Load() ([]SavedTab, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Printf("tabs: snapshot %s is corrupt, starting empty: %v", s.filePath, err)
		return nil, nil
	}
	return file.Tabs, nil
}

// Persist projects the current tab set into the store.
func (m *Multiplexer) Persist(store *SnapshotStore) error {
	m.mu.RLock()
	saved := make([]SavedTab, 0, len(m.order))
	for _, id := range m.order {
		tc, ok := m.tabs[id]
		if !ok {
			continue
		}
		saved = append(saved, SavedTab{
			ID:           tc.Tab.ID,
			Title:        tc.Tab.Title,
			HostID:       tc.Tab.HostID,
			Cols:         tc.Tab.Cols,
			Rows:         tc.Tab.Rows,
			CreatedAt:    tc.Tab.CreatedAt,
			LastActiveAt: tc.Tab.LastActiveAt,
		})
	}
	m.mu.RUnlock()

	return store.Save(saved)
}

// Restore replaces the tab set from the store. Every restored tab starts
// inactive and disconnected with a fresh session id; connections are
// re-established per tab on demand.
func (m *Multiplexer) Restore(store *SnapshotStore) error {
	saved, err := store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tabs = make(map[string]*TabContext, len(saved))
	m.order = m.order[:0]
	for _, st := range saved {
		tab := &model.Tab{
			ID:           st.ID,
			Title:        st.Title,
			HostID:       st.HostID,
			SessionID:    uuid.New().String(),
			Status:       model.SessionStatusInactive,
			Cols:         st.Cols,
			Rows:         st.Rows,
			CreatedAt:    st.CreatedAt,
			LastActiveAt: st.LastActiveAt,
		}
		m.tabs[tab.ID] = &TabContext{
			Tab:  tab,
			Ring: buffer.NewCommandRing(m.cfg.RingSize),
		}
		m.order = append(m.order, tab.ID)
	}
	return nil
}
