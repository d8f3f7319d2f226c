package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"factory-logistics/internal/conveyor"
	"factory-logistics/internal/engine"
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/station"
	"factory-logistics/internal/types"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store 把工厂快照保存到 SQLite
// 每次 Save 全量替换，Load 读取最近一次保存的状态
type Store struct {
	conn *sqlx.DB
}

// OpenStore 打开或创建快照库
func OpenStore(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS containers (
		id TEXT PRIMARY KEY,
		stock_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stations (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		recipe_id TEXT NOT NULL,
		elapsed REAL NOT NULL,
		queue_json TEXT NOT NULL,
		powered INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS segments (
		id TEXT PRIMARY KEY,
		parcels_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routers (
		id TEXT PRIMARY KEY,
		cursor_slot INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS storages (
		container_id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		is_input INTEGER NOT NULL,
		is_output INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		destination_id TEXT NOT NULL,
		priority INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sim_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

type stationRow struct {
	ID        string  `db:"id"`
	RecipeID  string  `db:"recipe_id"`
	Elapsed   float64 `db:"elapsed"`
	QueueJSON string  `db:"queue_json"`
	Powered   bool    `db:"powered"`
}

type storageRow struct {
	ContainerID string `db:"container_id"`
	Priority    int    `db:"priority"`
	IsInput     bool   `db:"is_input"`
	IsOutput    bool   `db:"is_output"`
}

type requestRow struct {
	ID            string `db:"id"`
	Type          string `db:"type"`
	Amount        int    `db:"amount"`
	DestinationID string `db:"destination_id"`
	Priority      int    `db:"priority"`
	CreatedAt     string `db:"created_at"`
}

// Save 在一个事务中全量写入快照
func (s *Store) Save(st engine.State) error {
	tx, err := s.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"containers", "stations", "segments", "routers", "storages", "requests", "sim_meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}

	for id, stock := range st.Containers {
		data, err := json.Marshal(stock)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO containers (id, stock_json) VALUES (?, ?)", id, string(data)); err != nil {
			return err
		}
	}

	for i, ss := range st.Stations {
		queue, err := json.Marshal(ss.Queue)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO stations (id, position, recipe_id, elapsed, queue_json, powered)
			VALUES (?, ?, ?, ?, ?, ?)`, ss.ID, i, ss.RecipeID, ss.Elapsed, string(queue), ss.Powered); err != nil {
			return err
		}
	}

	for id, parcels := range st.Segments {
		data, err := json.Marshal(parcels)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO segments (id, parcels_json) VALUES (?, ?)", id, string(data)); err != nil {
			return err
		}
	}

	for id, cursor := range st.Routers {
		if _, err := tx.Exec("INSERT INTO routers (id, cursor_slot) VALUES (?, ?)", id, cursor); err != nil {
			return err
		}
	}

	for i, n := range st.Broker.Storages {
		if _, err := tx.Exec(`INSERT INTO storages (container_id, position, priority, is_input, is_output)
			VALUES (?, ?, ?, ?, ?)`, n.ContainerID, i, int(n.Priority), n.IsInput, n.IsOutput); err != nil {
			return err
		}
	}

	stmt, err := tx.Preparex(`INSERT INTO requests
		(id, position, type, amount, destination_id, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range st.Broker.Requests {
		if _, err := stmt.Exec(r.ID, i, string(r.Type), r.Amount, r.DestinationID, int(r.Priority), r.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}

	meta := map[string]string{
		"frames":       strconv.FormatUint(st.Frames, 10),
		"sim_time":     strconv.FormatFloat(st.SimTime, 'g', -1, 64),
		"policy_accum": strconv.FormatFloat(st.PolicyAccum, 'g', -1, 64),
		"saved_at":     time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT INTO sim_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load 读取快照；库中没有保存过快照时 ok 为 false
func (s *Store) Load() (engine.State, bool, error) {
	var st engine.State

	frames, err := s.meta("frames")
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if st.Frames, err = strconv.ParseUint(frames, 10, 64); err != nil {
		return st, false, fmt.Errorf("meta frames: %w", err)
	}
	for key, dst := range map[string]*float64{"sim_time": &st.SimTime, "policy_accum": &st.PolicyAccum} {
		v, err := s.meta(key)
		if err != nil {
			return st, false, fmt.Errorf("meta %s: %w", key, err)
		}
		if *dst, err = strconv.ParseFloat(v, 64); err != nil {
			return st, false, fmt.Errorf("meta %s: %w", key, err)
		}
	}

	var containers []struct {
		ID        string `db:"id"`
		StockJSON string `db:"stock_json"`
	}
	if err := s.conn.Select(&containers, "SELECT id, stock_json FROM containers"); err != nil {
		return st, false, err
	}
	st.Containers = make(map[string]map[types.ResourceType]int, len(containers))
	for _, c := range containers {
		stock := make(map[types.ResourceType]int)
		if err := json.Unmarshal([]byte(c.StockJSON), &stock); err != nil {
			return st, false, fmt.Errorf("container %s: %w", c.ID, err)
		}
		st.Containers[c.ID] = stock
	}

	var stations []stationRow
	if err := s.conn.Select(&stations, "SELECT id, recipe_id, elapsed, queue_json, powered FROM stations ORDER BY position"); err != nil {
		return st, false, err
	}
	for _, row := range stations {
		ss := station.State{ID: row.ID, RecipeID: row.RecipeID, Elapsed: row.Elapsed, Powered: row.Powered}
		if err := json.Unmarshal([]byte(row.QueueJSON), &ss.Queue); err != nil {
			return st, false, fmt.Errorf("station %s: %w", row.ID, err)
		}
		st.Stations = append(st.Stations, ss)
	}

	var segments []struct {
		ID          string `db:"id"`
		ParcelsJSON string `db:"parcels_json"`
	}
	if err := s.conn.Select(&segments, "SELECT id, parcels_json FROM segments"); err != nil {
		return st, false, err
	}
	st.Segments = make(map[string][]conveyor.Parcel, len(segments))
	for _, seg := range segments {
		var parcels []conveyor.Parcel
		if err := json.Unmarshal([]byte(seg.ParcelsJSON), &parcels); err != nil {
			return st, false, fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		st.Segments[seg.ID] = parcels
	}

	var routers []struct {
		ID     string `db:"id"`
		Cursor int    `db:"cursor_slot"`
	}
	if err := s.conn.Select(&routers, "SELECT id, cursor_slot FROM routers"); err != nil {
		return st, false, err
	}
	st.Routers = make(map[string]int, len(routers))
	for _, r := range routers {
		st.Routers[r.ID] = r.Cursor
	}

	var storages []storageRow
	if err := s.conn.Select(&storages, "SELECT container_id, priority, is_input, is_output FROM storages ORDER BY position"); err != nil {
		return st, false, err
	}
	for _, row := range storages {
		st.Broker.Storages = append(st.Broker.Storages, logistics.StorageRecord{
			ContainerID: row.ContainerID,
			Priority:    types.Priority(row.Priority),
			IsInput:     row.IsInput,
			IsOutput:    row.IsOutput,
		})
	}

	var requests []requestRow
	if err := s.conn.Select(&requests, "SELECT id, type, amount, destination_id, priority, created_at FROM requests ORDER BY position"); err != nil {
		return st, false, err
	}
	for _, row := range requests {
		created, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return st, false, fmt.Errorf("request %s: %w", row.ID, err)
		}
		st.Broker.Requests = append(st.Broker.Requests, logistics.RequestRecord{
			ID:            row.ID,
			Type:          types.ResourceType(row.Type),
			Amount:        row.Amount,
			DestinationID: row.DestinationID,
			Priority:      types.Priority(row.Priority),
			CreatedAt:     created,
		})
	}

	return st, true, nil
}

// SavedAt 返回最近一次保存的时间
func (s *Store) SavedAt() (time.Time, error) {
	v, err := s.meta("saved_at")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Store) meta(key string) (string, error) {
	var value string
	err := s.conn.Get(&value, "SELECT value FROM sim_meta WHERE key = ?", key)
	return value, err
}
