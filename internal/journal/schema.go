package journal

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT PRIMARY KEY,
    profile        TEXT NOT NULL,
    interface_name TEXT NOT NULL,
    luid           INTEGER NOT NULL DEFAULT 0,
    guid           TEXT NOT NULL DEFAULT '',
    started_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
    dest   TEXT NOT NULL,
    luid   INTEGER NOT NULL,
    metric INTEGER NOT NULL,
    row    BLOB NOT NULL,
    PRIMARY KEY (dest, luid)
);

CREATE TABLE IF NOT EXISTS dns (
    guid     TEXT PRIMARY KEY,
    original TEXT NOT NULL
);
`
