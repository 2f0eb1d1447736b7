package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rooms (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  paused INTEGER NOT NULL DEFAULT 0,
  max_interactions INTEGER,
  created_at TEXT NOT NULL,
  last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS room_agents (
  room_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (room_id, agent_id),
  FOREIGN KEY(room_id) REFERENCES rooms(id)
);

CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  room_id TEXT NOT NULL,
  role TEXT NOT NULL,
  participant TEXT NOT NULL,
  participant_name TEXT,
  agent_id TEXT,
  content TEXT NOT NULL,
  thinking TEXT,
  skipped INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  FOREIGN KEY(room_id) REFERENCES rooms(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);

CREATE INDEX IF NOT EXISTS idx_messages_room_agent ON messages(room_id, agent_id, seq);
`
