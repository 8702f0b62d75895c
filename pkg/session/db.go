package session

import (
	"path/filepath"

	"github.com/jingkaihe/chaosfs/pkg/storedb"
)

const schema = "session"

func dbPath(stateDir string) string {
	return filepath.Join(stateDir, storedb.FileName)
}

func migrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_append_only_hijack_sessions",
			SQL: `
CREATE TABLE IF NOT EXISTS hijack_sessions (
  session_id TEXT NOT NULL,
  version INTEGER NOT NULL,
  pid INTEGER NOT NULL,
  mnt_ns TEXT NOT NULL DEFAULT '',
  original_path TEXT NOT NULL,
  shadow_path TEXT NOT NULL,
  mount_point INTEGER NOT NULL DEFAULT 0,
  socket TEXT NOT NULL DEFAULT '',
  phase TEXT NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  PRIMARY KEY (session_id, version)
);
CREATE INDEX IF NOT EXISTS idx_hijack_sessions_phase ON hijack_sessions(phase);
`,
		},
	}
}
